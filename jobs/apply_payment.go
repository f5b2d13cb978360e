package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/fleetdesk/fleetdesk/internal/allocation"
	jobmetrics "github.com/fleetdesk/fleetdesk/internal/jobs"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
)

// PaymentApplier runs one allocation for a payment.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, paymentID int64) (allocation.Result, error)
}

// ApplyPaymentJob handles payments:apply tasks.
type ApplyPaymentJob struct {
	Service PaymentApplier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewApplyPaymentJob constructs the job handler.
func NewApplyPaymentJob(service PaymentApplier, logger *slog.Logger, metrics *jobmetrics.Metrics) *ApplyPaymentJob {
	return &ApplyPaymentJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the apply payment job. Missing payments and integrity
// failures are not retried; anything else is left to asynq's backoff.
func (j *ApplyPaymentJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("apply payment: dependencies not configured")
	}
	var payload ApplyPaymentPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.PaymentID <= 0 {
		j.log().Warn("invalid payment id", slog.Int64("payment_id", payload.PaymentID))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskApplyPayment)
	res, err := j.Service.ApplyPayment(ctx, payload.PaymentID)
	if err != nil {
		err = tracker.End(err)
		if errors.Is(err, ledger.ErrNotFound) || ledger.IsIntegrity(err) {
			j.log().Error("apply payment", slog.Int64("payment_id", payload.PaymentID), slog.Any("error", err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		j.log().Warn("apply payment", slog.Int64("payment_id", payload.PaymentID), slog.Any("error", err))
		return err
	}
	j.log().Info("payment applied",
		slog.Int64("payment_id", payload.PaymentID),
		slog.String("applied_total", res.AppliedTotal.String()),
		slog.String("remaining_credit", res.RemainingCredit.String()),
		slog.Int("applications", len(res.Applications)))
	return tracker.End(nil)
}

func (j *ApplyPaymentJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ApplyPaymentJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskApplyPayment))
	}
	return slog.Default().With(slog.String("job", TaskApplyPayment))
}
