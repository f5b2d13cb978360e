// Package ledgertest provides an in-memory ledger.Store for tests and local
// runs. Transactions are serialised and work on a copy of the state that is
// swapped in only when the unit of work succeeds.
package ledgertest

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
)

type state struct {
	seq          int64
	entries      map[int64]ledger.LedgerEntry
	payments     map[int64]ledger.Payment
	applications []ledger.PaymentApplication
	pnl          []ledger.PnLEntry
	fines        map[int64]ledger.Fine
	authority    []ledger.AuthorityPayment
	rentals      map[int64]ledger.Rental
}

func (s *state) clone() *state {
	return &state{
		seq:          s.seq,
		entries:      maps.Clone(s.entries),
		payments:     maps.Clone(s.payments),
		applications: slices.Clone(s.applications),
		pnl:          slices.Clone(s.pnl),
		fines:        maps.Clone(s.fines),
		authority:    slices.Clone(s.authority),
		rentals:      maps.Clone(s.rentals),
	}
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store is an in-memory ledger.Store.
type Store struct {
	mu       sync.Mutex
	st       *state
	now      func() time.Time
	failures map[string]error
	commits  int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		st: &state{
			entries:  make(map[int64]ledger.LedgerEntry),
			payments: make(map[int64]ledger.Payment),
			fines:    make(map[int64]ledger.Fine),
			rentals:  make(map[int64]ledger.Rental),
		},
		now:      func() time.Time { return time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC) },
		failures: make(map[string]error),
	}
}

// WithTx implements ledger.Store.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(ctx, &memTx{store: s, st: work}); err != nil {
		return err
	}
	s.st = work
	s.commits++
	return nil
}

// SetNow changes the timestamp stamped on rows created from now on.
func (s *Store) SetNow(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = func() time.Time { return now }
}

// FailNext makes the next call to the named Tx method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

func (s *Store) fault(method string) error {
	err, ok := s.failures[method]
	if !ok {
		return nil
	}
	delete(s.failures, method)
	return err
}

// Commits reports how many transactions committed.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// AddRental seeds a rental and returns it with its id.
func (s *Store) AddRental(r ledger.Rental) ledger.Rental {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.st.nextID()
	if r.Status == "" {
		r.Status = ledger.RentalActive
	}
	s.st.rentals[r.ID] = r
	return r
}

// AddFine seeds a fine and returns it with its id.
func (s *Store) AddFine(f ledger.Fine) ledger.Fine {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = s.st.nextID()
	if f.Status == "" {
		f.Status = ledger.FineOpen
	}
	s.st.fines[f.ID] = f
	return f
}

// AddAuthorityPayment records a payment to the issuing authority for a fine.
func (s *Store) AddAuthorityPayment(fineID int64, amount decimal.Decimal, paidOn time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.authority = append(s.st.authority, ledger.AuthorityPayment{
		ID: s.st.nextID(), FineID: fineID, Amount: amount, PaymentDate: paidOn,
	})
}

// Entry returns a committed ledger entry.
func (s *Store) Entry(id int64) (ledger.LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.entries[id]
	return s.st.decorate(e), ok
}

// Entries returns all committed ledger entries ordered by id.
func (s *Store) Entries() []ledger.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.LedgerEntry, 0, len(s.st.entries))
	for _, e := range s.st.entries {
		out = append(out, s.st.decorate(e))
	}
	slices.SortFunc(out, func(a, b ledger.LedgerEntry) int { return cmpID(a.ID, b.ID) })
	return out
}

// Payment returns a committed payment.
func (s *Store) Payment(id int64) (ledger.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[id]
	return p, ok
}

// Payments returns all committed payments ordered by id.
func (s *Store) Payments() []ledger.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.st.payments))
	slices.SortFunc(out, func(a, b ledger.Payment) int { return cmpID(a.ID, b.ID) })
	return out
}

// Fine returns a committed fine.
func (s *Store) Fine(id int64) (ledger.Fine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.st.fines[id]
	return f, ok
}

// Applications returns all committed payment applications.
func (s *Store) Applications() []ledger.PaymentApplication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.applications)
}

// PnL returns all committed P&L postings.
func (s *Store) PnL() []ledger.PnLEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.pnl)
}

func cmpID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *state) decorate(e ledger.LedgerEntry) ledger.LedgerEntry {
	if e.Type != ledger.EntryCharge {
		return e
	}
	if fineID, ok := ledger.FineIDFromReference(e.Reference); ok {
		if f, found := s.fines[fineID]; found {
			e.Voided = f.Status.Voided()
		}
	}
	return e
}

type memTx struct {
	store *Store
	st    *state
}

var _ ledger.Tx = (*memTx)(nil)

func (t *memTx) LockCustomer(ctx context.Context, customerID int64) error {
	return t.store.fault("LockCustomer")
}

func (t *memTx) InsertEntry(ctx context.Context, e ledger.LedgerEntry) (ledger.LedgerEntry, error) {
	if err := t.store.fault("InsertEntry"); err != nil {
		return ledger.LedgerEntry{}, err
	}
	e.ID = t.st.nextID()
	e.CreatedAt = t.store.now()
	e.Voided = false
	t.st.entries[e.ID] = e
	return t.st.decorate(e), nil
}

func (t *memTx) GetEntry(ctx context.Context, id int64) (ledger.LedgerEntry, error) {
	e, ok := t.st.entries[id]
	if !ok {
		return ledger.LedgerEntry{}, ledger.ErrNotFound
	}
	return t.st.decorate(e), nil
}

func (t *memTx) FindChargeByReference(ctx context.Context, reference string) (ledger.LedgerEntry, bool, error) {
	for _, e := range t.st.entries {
		if e.Type == ledger.EntryCharge && e.Reference == reference {
			return t.st.decorate(e), true, nil
		}
	}
	return ledger.LedgerEntry{}, false, nil
}

func (t *memTx) FindPaymentMirror(ctx context.Context, paymentID int64) (ledger.LedgerEntry, bool, error) {
	for _, e := range t.st.entries {
		if e.Type == ledger.EntryPayment && e.PaymentID != nil && *e.PaymentID == paymentID {
			return e, true, nil
		}
	}
	return ledger.LedgerEntry{}, false, nil
}

func (t *memTx) ListOpenCharges(ctx context.Context, customerID int64) ([]ledger.LedgerEntry, error) {
	var out []ledger.LedgerEntry
	for _, e := range t.st.entries {
		e = t.st.decorate(e)
		if e.CustomerID == customerID && e.Open() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) ListCustomerEntries(ctx context.Context, customerID int64) ([]ledger.LedgerEntry, error) {
	var out []ledger.LedgerEntry
	for _, e := range t.st.entries {
		if e.CustomerID == customerID {
			out = append(out, t.st.decorate(e))
		}
	}
	slices.SortFunc(out, func(a, b ledger.LedgerEntry) int { return cmpID(a.ID, b.ID) })
	return out, nil
}

func (t *memTx) UpdateEntryRemaining(ctx context.Context, id int64, remaining decimal.Decimal) error {
	if err := t.store.fault("UpdateEntryRemaining"); err != nil {
		return err
	}
	e, ok := t.st.entries[id]
	if !ok {
		return ledger.ErrNotFound
	}
	e.RemainingAmount = remaining
	t.st.entries[id] = e
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	if err := t.store.fault("InsertPayment"); err != nil {
		return ledger.Payment{}, err
	}
	p.ID = t.st.nextID()
	p.CreatedAt = t.store.now()
	t.st.payments[p.ID] = p
	return p, nil
}

func (t *memTx) GetPayment(ctx context.Context, id int64) (ledger.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	return p, nil
}

func (t *memTx) FindPaymentByKey(ctx context.Context, key string) (ledger.Payment, bool, error) {
	for _, p := range t.st.payments {
		if key != "" && p.IdempotencyKey == key {
			return p, true, nil
		}
	}
	return ledger.Payment{}, false, nil
}

func (t *memTx) ListCreditPayments(ctx context.Context, customerID int64) ([]ledger.Payment, error) {
	var out []ledger.Payment
	for _, p := range t.st.payments {
		if p.CustomerID != customerID || !p.RemainingAmount.IsPositive() {
			continue
		}
		if p.Status == ledger.PaymentCredit || p.Status == ledger.PaymentPartial {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) ListCustomerPayments(ctx context.Context, customerID int64) ([]ledger.Payment, error) {
	var out []ledger.Payment
	for _, p := range t.st.payments {
		if p.CustomerID == customerID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Payment) int { return cmpID(a.ID, b.ID) })
	return out, nil
}

func (t *memTx) ListPaymentsActiveSince(ctx context.Context, since time.Time) ([]ledger.Payment, error) {
	var out []ledger.Payment
	for _, p := range t.st.payments {
		if !p.PaymentDate.Before(since) {
			out = append(out, p)
			continue
		}
		for _, a := range t.st.applications {
			if a.PaymentID == p.ID && !a.CreatedAt.Before(since) {
				out = append(out, p)
				break
			}
		}
	}
	slices.SortFunc(out, func(a, b ledger.Payment) int { return cmpID(a.ID, b.ID) })
	return out, nil
}

func (t *memTx) UpdatePaymentBalance(ctx context.Context, id int64, remaining decimal.Decimal, status ledger.PaymentStatus) error {
	if err := t.store.fault("UpdatePaymentBalance"); err != nil {
		return err
	}
	p, ok := t.st.payments[id]
	if !ok {
		return ledger.ErrNotFound
	}
	p.RemainingAmount = remaining
	p.Status = status
	t.st.payments[id] = p
	return nil
}

func (t *memTx) FindApplication(ctx context.Context, paymentID, chargeID int64) (ledger.PaymentApplication, bool, error) {
	for _, a := range t.st.applications {
		if a.PaymentID == paymentID && a.ChargeEntryID == chargeID {
			return a, true, nil
		}
	}
	return ledger.PaymentApplication{}, false, nil
}

func (t *memTx) InsertApplication(ctx context.Context, a ledger.PaymentApplication) (ledger.PaymentApplication, error) {
	if err := t.store.fault("InsertApplication"); err != nil {
		return ledger.PaymentApplication{}, err
	}
	a.ID = t.st.nextID()
	a.CreatedAt = t.store.now()
	t.st.applications = append(t.st.applications, a)
	return a, nil
}

func (t *memTx) ListApplicationsByPayment(ctx context.Context, paymentID int64) ([]ledger.PaymentApplication, error) {
	var out []ledger.PaymentApplication
	for _, a := range t.st.applications {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) ListApplicationsByCharge(ctx context.Context, chargeID int64) ([]ledger.PaymentApplication, error) {
	var out []ledger.PaymentApplication
	for _, a := range t.st.applications {
		if a.ChargeEntryID == chargeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) PnLExists(ctx context.Context, key uuid.UUID) (bool, error) {
	for _, e := range t.st.pnl {
		if e.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertPnL(ctx context.Context, e ledger.PnLEntry) (ledger.PnLEntry, error) {
	if err := t.store.fault("InsertPnL"); err != nil {
		return ledger.PnLEntry{}, err
	}
	e.ID = t.st.nextID()
	e.CreatedAt = t.store.now()
	t.st.pnl = append(t.st.pnl, e)
	return e, nil
}

func (t *memTx) DeletePnL(ctx context.Context, key uuid.UUID) (bool, error) {
	if err := t.store.fault("DeletePnL"); err != nil {
		return false, err
	}
	before := len(t.st.pnl)
	t.st.pnl = slices.DeleteFunc(t.st.pnl, func(e ledger.PnLEntry) bool { return e.IdempotencyKey == key })
	return len(t.st.pnl) < before, nil
}

func (t *memTx) ListVehiclePnL(ctx context.Context, vehicleID int64) ([]ledger.PnLEntry, error) {
	var out []ledger.PnLEntry
	for _, e := range t.st.pnl {
		if e.VehicleID != nil && *e.VehicleID == vehicleID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) GetFine(ctx context.Context, id int64) (ledger.Fine, error) {
	f, ok := t.st.fines[id]
	if !ok {
		return ledger.Fine{}, ledger.ErrNotFound
	}
	return f, nil
}

func (t *memTx) UpdateFine(ctx context.Context, f ledger.Fine) error {
	if err := t.store.fault("UpdateFine"); err != nil {
		return err
	}
	if _, ok := t.st.fines[f.ID]; !ok {
		return ledger.ErrNotFound
	}
	t.st.fines[f.ID] = f
	return nil
}

func (t *memTx) ListFinesByStatus(ctx context.Context, statuses ...ledger.FineStatus) ([]ledger.Fine, error) {
	var out []ledger.Fine
	for _, f := range t.st.fines {
		if slices.Contains(statuses, f.Status) {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Fine) int { return cmpID(a.ID, b.ID) })
	return out, nil
}

func (t *memTx) CountAuthorityPayments(ctx context.Context, fineID int64) (int, error) {
	n := 0
	for _, a := range t.st.authority {
		if a.FineID == fineID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetRental(ctx context.Context, id int64) (ledger.Rental, error) {
	r, ok := t.st.rentals[id]
	if !ok {
		return ledger.Rental{}, ledger.ErrNotFound
	}
	return r, nil
}

func (t *memTx) ListActiveRentals(ctx context.Context) ([]ledger.Rental, error) {
	var out []ledger.Rental
	for _, r := range t.st.rentals {
		if r.Status == ledger.RentalActive {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Rental) int { return cmpID(a.ID, b.ID) })
	return out, nil
}
