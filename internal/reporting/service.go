// Package reporting builds read-only customer balance and vehicle P&L views
// over the ledger, cached in Redis under versioned keys.
package reporting

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/pnl"
)

// CustomerBalance summarises what a customer owes and holds.
type CustomerBalance struct {
	CustomerID       int64           `json:"customerId"`
	AsOf             string          `json:"asOf"`
	TotalCharged     decimal.Decimal `json:"totalCharged"`
	TotalPaid        decimal.Decimal `json:"totalPaid"`
	Outstanding      decimal.Decimal `json:"outstanding"`
	Overdue          decimal.Decimal `json:"overdue"`
	UnappliedCredit  decimal.Decimal `json:"unappliedCredit"`
	InitialFeeCredit decimal.Decimal `json:"initialFeeCredit"`
	NetPosition      decimal.Decimal `json:"netPosition"`
	OpenCharges      int             `json:"openCharges"`
}

// VehiclePnL totals a vehicle's postings within an optional date range.
type VehiclePnL struct {
	VehicleID  int64                      `json:"vehicleId"`
	From       string                     `json:"from,omitempty"`
	To         string                     `json:"to,omitempty"`
	Revenue    decimal.Decimal            `json:"revenue"`
	Cost       decimal.Decimal            `json:"cost"`
	Net        decimal.Decimal            `json:"net"`
	ByCategory map[string]decimal.Decimal `json:"byCategory"`
}

// Service coordinates view builds with the cache layer.
type Service struct {
	store  ledger.Store
	cache  *Cache
	clock  clock.Clock
	logger *slog.Logger
	group  singleflight.Group
}

// NewService wires a ledger.Store with a Cache helper.
func NewService(store ledger.Store, cache *Cache, c clock.Clock, logger *slog.Logger) *Service {
	if c == nil {
		c = clock.London()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, clock: c, logger: logger}
}

// CustomerBalance returns the balance view for a customer as of today.
func (s *Service) CustomerBalance(ctx context.Context, customerID int64) (CustomerBalance, error) {
	today := clock.Today(s.clock)
	return fetch(ctx, s, func(ctx context.Context) (CustomerBalance, error) {
		return s.buildBalance(ctx, customerID, today)
	}, "reporting", "balance", formatInt(customerID), clock.FormatDate(today))
}

// fetch serves a view from the cache, collapsing concurrent builds of the
// same key. Views are built uncached when the cache cannot produce a key.
func fetch[T any](ctx context.Context, s *Service, build func(context.Context) (T, error), parts ...string) (T, error) {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		s.logger.Warn("reporting cache unavailable", slog.Any("error", err))
		return build(ctx)
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		var out T
		err := s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			return build(ctx)
		})
		return out, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (s *Service) buildBalance(ctx context.Context, customerID int64, today time.Time) (CustomerBalance, error) {
	var (
		entries []ledger.LedgerEntry
		pays    []ledger.Payment
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if entries, err = tx.ListCustomerEntries(ctx, customerID); err != nil {
			return err
		}
		pays, err = tx.ListCustomerPayments(ctx, customerID)
		return err
	})
	if err != nil {
		return CustomerBalance{}, err
	}
	return Balance(customerID, today, entries, pays), nil
}

// Balance computes a CustomerBalance from a customer's ledger entries and
// payments. Charges of voided fines are excluded; initial fee credit is
// reported apart from credit that can settle charges.
func Balance(customerID int64, today time.Time, entries []ledger.LedgerEntry, pays []ledger.Payment) CustomerBalance {
	b := CustomerBalance{
		CustomerID:       customerID,
		AsOf:             clock.FormatDate(today),
		TotalCharged:     decimal.Zero,
		TotalPaid:        decimal.Zero,
		Outstanding:      decimal.Zero,
		Overdue:          decimal.Zero,
		UnappliedCredit:  decimal.Zero,
		InitialFeeCredit: decimal.Zero,
	}
	for _, e := range entries {
		if e.Type != ledger.EntryCharge || e.Voided {
			continue
		}
		b.TotalCharged = b.TotalCharged.Add(e.Amount)
		if !e.Open() {
			continue
		}
		b.OpenCharges++
		b.Outstanding = b.Outstanding.Add(e.RemainingAmount)
		if e.DueDate != nil && e.DueDate.Before(today) {
			b.Overdue = b.Overdue.Add(e.RemainingAmount)
		}
	}
	for _, p := range pays {
		b.TotalPaid = b.TotalPaid.Add(p.Amount)
		if p.Type.Allocatable() {
			b.UnappliedCredit = b.UnappliedCredit.Add(p.RemainingAmount)
		} else {
			b.InitialFeeCredit = b.InitialFeeCredit.Add(p.RemainingAmount)
		}
	}
	b.NetPosition = b.UnappliedCredit.Sub(b.Outstanding)
	return b
}

// VehiclePnL returns the P&L view for a vehicle. Nil bounds are open.
func (s *Service) VehiclePnL(ctx context.Context, vehicleID int64, from, to *time.Time) (VehiclePnL, error) {
	return fetch(ctx, s, func(ctx context.Context) (VehiclePnL, error) {
		return s.buildPnL(ctx, vehicleID, from, to)
	}, "reporting", "pnl", formatInt(vehicleID), dateToken(from), dateToken(to))
}

func (s *Service) buildPnL(ctx context.Context, vehicleID int64, from, to *time.Time) (VehiclePnL, error) {
	var rows []ledger.PnLEntry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		rows, err = tx.ListVehiclePnL(ctx, vehicleID)
		return err
	})
	if err != nil {
		return VehiclePnL{}, err
	}
	kept := rows[:0]
	for _, r := range rows {
		if from != nil && r.EntryDate.Before(*from) {
			continue
		}
		if to != nil && r.EntryDate.After(*to) {
			continue
		}
		kept = append(kept, r)
	}
	sum := pnl.Summarise(kept)
	out := VehiclePnL{
		VehicleID:  vehicleID,
		Revenue:    sum.Revenue,
		Cost:       sum.Cost,
		Net:        sum.Net(),
		ByCategory: sum.ByCategory,
	}
	if from != nil {
		out.From = clock.FormatDate(*from)
	}
	if to != nil {
		out.To = clock.FormatDate(*to)
	}
	return out, nil
}

// Bump invalidates every cached view.
func (s *Service) Bump(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

var gbp = message.NewPrinter(language.BritishEnglish)

// FormatGBP renders an amount for display, e.g. "£1,250.00".
func FormatGBP(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	return sign + "£" + gbp.Sprintf("%.2f", d.Round(2).InexactFloat64())
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func dateToken(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return clock.FormatDate(*t)
}
