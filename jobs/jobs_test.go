package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/allocation"
	jobmetrics "github.com/fleetdesk/fleetdesk/internal/jobs"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/pnl"
	"github.com/fleetdesk/fleetdesk/internal/rentals"
)

type fakeApplier struct {
	calls []int64
	err   error
}

func (f *fakeApplier) ApplyPayment(ctx context.Context, paymentID int64) (allocation.Result, error) {
	f.calls = append(f.calls, paymentID)
	if f.err != nil {
		return allocation.Result{}, f.err
	}
	return allocation.Result{PaymentID: paymentID, AppliedTotal: decimal.NewFromInt(100)}, nil
}

func applyTask(t *testing.T, id int64) *asynq.Task {
	t.Helper()
	task, err := NewApplyPaymentTask(id)
	require.NoError(t, err)
	return task
}

func TestApplyPaymentJob(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	applier := &fakeApplier{}
	job := NewApplyPaymentJob(applier, nil, metrics)
	require.NoError(t, job.Handle(ctx, applyTask(t, 42)))
	require.Equal(t, []int64{42}, applier.calls)

	err := job.Handle(ctx, asynq.NewTask(TaskApplyPayment, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = job.Handle(ctx, applyTask(t, 0))
	require.ErrorIs(t, err, asynq.SkipRetry)

	applier.err = ledger.ErrNotFound
	err = job.Handle(ctx, applyTask(t, 7))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	applier.err = errors.New("connection reset")
	err = job.Handle(ctx, applyTask(t, 7))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	var nilJob *ApplyPaymentJob
	require.Error(t, nilJob.Handle(ctx, applyTask(t, 1)))
}

func TestApplyPaymentTaskIDIsStable(t *testing.T) {
	require.Equal(t, ApplyPaymentTaskID(5), ApplyPaymentTaskID(5))
	require.NotEqual(t, ApplyPaymentTaskID(5), ApplyPaymentTaskID(6))

	task := applyTask(t, 5)
	require.Equal(t, TaskApplyPayment, task.Type())
	var payload ApplyPaymentPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.EqualValues(t, 5, payload.PaymentID)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientEnqueueApplyPayment(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := NewClientWith(enq)
	ctx := context.Background()

	require.NoError(t, client.EnqueueApplyPayment(ctx, 9))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskApplyPayment, enq.tasks[0].Type())

	enq.err = asynq.ErrTaskIDConflict
	require.NoError(t, client.EnqueueApplyPayment(ctx, 9))

	enq.err = errors.New("redis down")
	require.Error(t, client.EnqueueApplyPayment(ctx, 9))
	require.Error(t, client.EnqueuePnLBackfill(ctx, 0))
}

type fakeGenerator struct {
	report rentals.Report
	err    error
}

func (f *fakeGenerator) Run(ctx context.Context) (rentals.Report, error) { return f.report, f.err }

func TestRentalChargeJob(t *testing.T) {
	task, err := NewRentalChargesTask()
	require.NoError(t, err)
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())

	gen := &fakeGenerator{report: rentals.Report{Rentals: 2, Created: 3}}
	require.NoError(t, NewRentalChargeJob(gen, nil, metrics).Handle(context.Background(), task))

	gen.err = errors.New("rental 4: deadlock detected")
	gen.report.Failed = 1
	require.Error(t, NewRentalChargeJob(gen, nil, metrics).Handle(context.Background(), task))
}

type fakeBackfiller struct {
	since time.Time
	err   error
}

func (f *fakeBackfiller) Backfill(ctx context.Context, since time.Time) (pnl.BackfillReport, error) {
	f.since = since
	return pnl.BackfillReport{Payments: 2}, f.err
}

func TestPnLBackfillJobWindow(t *testing.T) {
	c := clock.Fixed(time.Date(2024, time.March, 31, 23, 30, 0, 0, time.UTC))
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	engine := &fakeBackfiller{}
	job := NewPnLBackfillJob(engine, c, nil, metrics)

	task, err := NewPnLBackfillTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	today := clock.Today(c)
	require.Equal(t, today.AddDate(0, 0, -DefaultBackfillLookbackDays), engine.since)

	task, err = NewPnLBackfillTask(7)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, today.AddDate(0, 0, -7), engine.since)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskPnLBackfill, nil)))

	err = job.Handle(context.Background(), asynq.NewTask(TaskPnLBackfill, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	engine.err = errors.New("payment 3: boom")
	require.Error(t, job.Handle(context.Background(), task))
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f *fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthHandler(t *testing.T) {
	inspector := &fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueueCritical: {Queue: QueueCritical, Pending: 3, Active: 1},
	}}
	r := chi.NewRouter()
	NewHandler(inspector, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueCritical, Pending: 3, Active: 1},
		{Queue: QueueDefault},
	}, body.Queues)

	inspector.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	r = chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
