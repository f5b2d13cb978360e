package app

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetdesk/fleetdesk/internal/allocation"
	"github.com/fleetdesk/fleetdesk/internal/fines"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/observability"
	"github.com/fleetdesk/fleetdesk/internal/pnl"
	"github.com/fleetdesk/fleetdesk/internal/rentals"
	"github.com/fleetdesk/fleetdesk/internal/reporting"
	"github.com/fleetdesk/fleetdesk/internal/shared"
)

// ServiceDeps are the infrastructure pieces the domain services share.
type ServiceDeps struct {
	Config     *Config
	Logger     *slog.Logger
	Store      ledger.Store
	Cache      *reporting.Cache
	Audit      shared.AuditRecorder
	Registerer prometheus.Registerer
}

// Services is the wired domain layer used by both the API and the worker.
type Services struct {
	Allocation *allocation.Service
	Fines      *fines.Service
	PnL        *pnl.Engine
	Reporting  *reporting.Service
	Rentals    *rentals.Generator
	Metrics    *observability.LedgerMetrics
}

// NewServices wires the domain services over one store.
func NewServices(deps ServiceDeps) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := deps.Audit
	if audit == nil {
		audit = shared.SlogAuditor{Logger: logger}
	}
	clk := deps.Config.Clock()
	metrics := observability.NewLedgerMetrics(deps.Registerer)

	engine := pnl.NewEngine(deps.Store, logger, metrics, clk)
	views := reporting.NewService(deps.Store, deps.Cache, clk, logger)
	alloc := allocation.NewService(deps.Store,
		allocation.WithScope(deps.Config.Scope()),
		allocation.WithClock(clk),
		allocation.WithLogger(logger),
		allocation.WithMetrics(metrics),
		allocation.WithPoster(engine),
		allocation.WithInvalidator(views),
		allocation.WithAudit(audit),
		allocation.WithSettlement(fines.Settle),
	)
	fineService := fines.NewService(fines.Deps{
		Store:   deps.Store,
		Credit:  alloc,
		Poster:  engine,
		Cache:   views,
		Audit:   audit,
		Metrics: metrics,
		Clock:   clk,
		Logger:  logger,
	})
	return &Services{
		Allocation: alloc,
		Fines:      fineService,
		PnL:        engine,
		Reporting:  views,
		Rentals:    rentals.NewGenerator(deps.Store, alloc, views, clk, logger),
		Metrics:    metrics,
	}
}
