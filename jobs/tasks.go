package jobs

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries payment applications ahead of housekeeping work.
	QueueCritical = "critical"

	// TaskApplyPayment applies one payment's credit to open charges.
	TaskApplyPayment = "payments:apply"
	// TaskRentalCharges emits due rental charges for every active rental.
	TaskRentalCharges = "rentals:charge"
	// TaskPnLBackfill re-derives missing P&L postings.
	TaskPnLBackfill = "pnl:backfill"
)

// taskNamespace seeds deterministic task ids.
var taskNamespace = uuid.NewSHA1(uuid.Nil, []byte("fleetdesk/jobs"))

// ApplyPaymentPayload identifies the payment to apply.
type ApplyPaymentPayload struct {
	PaymentID int64 `json:"payment_id"`
}

// RentalChargesPayload is intentionally empty; the run covers every active rental.
type RentalChargesPayload struct{}

// PnLBackfillPayload bounds how far back payments are rescanned.
type PnLBackfillPayload struct {
	LookbackDays int `json:"lookback_days"`
}

// ApplyPaymentTaskID is stable per payment so a double submit collapses onto
// the task already queued.
func ApplyPaymentTaskID(paymentID int64) string {
	return uuid.NewSHA1(taskNamespace, []byte(TaskApplyPayment+":"+strconv.FormatInt(paymentID, 10))).String()
}

// NewApplyPaymentTask constructs a payments:apply task.
func NewApplyPaymentTask(paymentID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ApplyPaymentPayload{PaymentID: paymentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApplyPayment, body,
		asynq.Queue(QueueCritical),
		asynq.TaskID(ApplyPaymentTaskID(paymentID)),
		asynq.MaxRetry(10),
	), nil
}

// NewRentalChargesTask constructs a rentals:charge task.
func NewRentalChargesTask() (*asynq.Task, error) {
	body, err := json.Marshal(RentalChargesPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRentalCharges, body, asynq.Queue(QueueDefault)), nil
}

// NewPnLBackfillTask constructs a pnl:backfill task. A non-positive lookback
// selects the job default.
func NewPnLBackfillTask(lookbackDays int) (*asynq.Task, error) {
	body, err := json.Marshal(PnLBackfillPayload{LookbackDays: lookbackDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPnLBackfill, body, asynq.Queue(QueueDefault)), nil
}
