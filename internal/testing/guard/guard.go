// Package guard switches the process into test mode when imported, so
// binaries exercised from tests skip connecting to Postgres and Redis.
package guard

import (
	"os"
	"sync"
)

// TestModeEnv is the variable app.InTestMode reads.
const TestModeEnv = "FLEETDESK_TEST_MODE"

var once sync.Once

func init() {
	Enable()
}

// Enable sets the test-mode flag unless the environment already chose.
func Enable() {
	once.Do(func() {
		if os.Getenv(TestModeEnv) == "" {
			_ = os.Setenv(TestModeEnv, "1")
		}
	})
}
