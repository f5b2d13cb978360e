package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fleetdesk/fleetdesk/internal/jobs"
	"github.com/fleetdesk/fleetdesk/internal/rentals"
)

// RentalChargeRunner emits due rental charges.
type RentalChargeRunner interface {
	Run(ctx context.Context) (rentals.Report, error)
}

// RentalChargeJob handles rentals:charge tasks.
type RentalChargeJob struct {
	Generator RentalChargeRunner
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewRentalChargeJob constructs the job handler.
func NewRentalChargeJob(generator RentalChargeRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *RentalChargeJob {
	return &RentalChargeJob{Generator: generator, Logger: logger, Metrics: metrics}
}

// Handle executes one generator run. Rentals that failed are retried with
// the whole task; charges already created are skipped on the next pass.
func (j *RentalChargeJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Generator == nil {
		return errors.New("rental charges: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskRentalCharges)
	report, err := j.Generator.Run(ctx)
	j.metrics().AddItems(TaskRentalCharges, "created", report.Created)
	j.metrics().AddItems(TaskRentalCharges, "skipped", report.Skipped)
	j.metrics().AddItems(TaskRentalCharges, "failed", report.Failed)
	if err != nil {
		j.log().Error("rental charge run incomplete",
			slog.Int("failed", report.Failed),
			slog.Int("created", report.Created),
			slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *RentalChargeJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RentalChargeJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRentalCharges))
	}
	return slog.Default().With(slog.String("job", TaskRentalCharges))
}
