package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fleetdesk/fleetdesk/internal/jobs"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/pnl"
)

// DefaultBackfillLookbackDays bounds the payment rescan when the task does
// not carry its own window.
const DefaultBackfillLookbackDays = 35

// Backfiller re-derives missing postings.
type Backfiller interface {
	Backfill(ctx context.Context, since time.Time) (pnl.BackfillReport, error)
}

// PnLBackfillJob handles pnl:backfill tasks.
type PnLBackfillJob struct {
	Engine  Backfiller
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   clock.Clock
}

// NewPnLBackfillJob constructs the job handler.
func NewPnLBackfillJob(engine Backfiller, c clock.Clock, logger *slog.Logger, metrics *jobmetrics.Metrics) *PnLBackfillJob {
	return &PnLBackfillJob{Engine: engine, Logger: logger, Metrics: metrics, clock: c}
}

// Handle executes the backfill.
func (j *PnLBackfillJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("pnl backfill: dependencies not configured")
	}
	var payload PnLBackfillPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	days := payload.LookbackDays
	if days <= 0 {
		days = DefaultBackfillLookbackDays
	}
	since := clock.Today(j.clockOrDefault()).AddDate(0, 0, -days)

	tracker := j.metrics().Track(TaskPnLBackfill)
	start := time.Now()
	report, err := j.Engine.Backfill(ctx, since)
	j.metrics().AddItems(TaskPnLBackfill, "payments", report.Payments)
	j.metrics().AddItems(TaskPnLBackfill, "fines", report.Fines)
	j.metrics().AddItems(TaskPnLBackfill, "reversals", report.Reversals)
	j.metrics().AddItems(TaskPnLBackfill, "failed", report.Failed)
	if err != nil {
		j.log().Error("pnl backfill",
			slog.String("since", clock.FormatDate(since)),
			slog.Int("failed", report.Failed),
			slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("pnl backfill complete",
		slog.String("since", clock.FormatDate(since)),
		slog.Int("payments", report.Payments),
		slog.Int("fines", report.Fines),
		slog.Int("reversals", report.Reversals),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}

func (j *PnLBackfillJob) clockOrDefault() clock.Clock {
	if j.clock != nil {
		return j.clock
	}
	return clock.London()
}

func (j *PnLBackfillJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PnLBackfillJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPnLBackfill))
	}
	return slog.Default().With(slog.String("job", TaskPnLBackfill))
}
