package testing

import (
	"os"
	stdtesting "testing"

	"github.com/fleetdesk/fleetdesk/internal/testing/guard"
)

func init() {
	guard.Enable()
}

func TestMain(m *stdtesting.M) {
	guard.Enable()
	os.Exit(m.Run())
}
