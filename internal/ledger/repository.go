package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/platform/db"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// NewRepository constructs Repository. maxRetries bounds how many times a
// unit of work is re-run after a serialization conflict.
func NewRepository(pool *pgxpool.Pool, maxRetries int) *Repository {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Repository{pool: pool, maxRetries: maxRetries}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction, retrying the whole
// closure on serialization failures.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithRetry(ctx, r.pool, r.maxRetries, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) LockCustomer(ctx context.Context, customerID int64) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('ledger:customer:' || $1::text, 0))`, customerID)
	return err
}

const entryColumns = `le.id, le.customer_id, le.vehicle_id, le.rental_id, le.payment_id, le.entry_date, le.due_date,
le.type, le.category, le.amount, le.remaining_amount, COALESCE(le.reference, ''),
COALESCE(f.status IN ('Waived', 'Appeal Successful'), false), le.created_at`

const entryFrom = `FROM ledger_entries le
LEFT JOIN fines f ON le.type = 'Charge' AND le.reference = 'FINE-' || f.id::text`

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	err := row.Scan(&e.ID, &e.CustomerID, &e.VehicleID, &e.RentalID, &e.PaymentID, &e.EntryDate, &e.DueDate,
		&e.Type, &e.Category, &e.Amount, &e.RemainingAmount, &e.Reference, &e.Voided, &e.CreatedAt)
	return e, err
}

func collectEntries(rows pgx.Rows, err error) ([]LedgerEntry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *txRepository) InsertEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries
(customer_id, vehicle_id, rental_id, payment_id, entry_date, due_date, type, category, amount, remaining_amount, reference)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,'')) RETURNING id, created_at`,
		e.CustomerID, e.VehicleID, e.RentalID, e.PaymentID, e.EntryDate, e.DueDate, e.Type, e.Category, e.Amount, e.RemainingAmount, e.Reference)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

func (r *txRepository) GetEntry(ctx context.Context, id int64) (LedgerEntry, error) {
	e, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` `+entryFrom+` WHERE le.id = $1 FOR UPDATE OF le`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, ErrNotFound
	}
	return e, err
}

func (r *txRepository) FindChargeByReference(ctx context.Context, reference string) (LedgerEntry, bool, error) {
	e, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` `+entryFrom+` WHERE le.type = 'Charge' AND le.reference = $1`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (r *txRepository) FindPaymentMirror(ctx context.Context, paymentID int64) (LedgerEntry, bool, error) {
	e, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` `+entryFrom+` WHERE le.type = 'Payment' AND le.payment_id = $1`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (r *txRepository) ListOpenCharges(ctx context.Context, customerID int64) ([]LedgerEntry, error) {
	return collectEntries(r.tx.Query(ctx, `SELECT `+entryColumns+` `+entryFrom+`
WHERE le.customer_id = $1 AND le.type = 'Charge' AND le.remaining_amount > 0
AND (f.id IS NULL OR f.status NOT IN ('Waived', 'Appeal Successful'))
FOR UPDATE OF le`, customerID))
}

func (r *txRepository) ListCustomerEntries(ctx context.Context, customerID int64) ([]LedgerEntry, error) {
	return collectEntries(r.tx.Query(ctx, `SELECT `+entryColumns+` `+entryFrom+` WHERE le.customer_id = $1 ORDER BY le.entry_date, le.id`, customerID))
}

func (r *txRepository) UpdateEntryRemaining(ctx context.Context, id int64, remaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledger_entries SET remaining_amount = $2 WHERE id = $1`, id, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const paymentColumns = `id, customer_id, rental_id, vehicle_id, amount, payment_date, payment_type, method,
remaining_amount, status, COALESCE(idempotency_key, ''), created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.CustomerID, &p.RentalID, &p.VehicleID, &p.Amount, &p.PaymentDate, &p.Type, &p.Method,
		&p.RemainingAmount, &p.Status, &p.IdempotencyKey, &p.CreatedAt)
	return p, err
}

func collectPayments(rows pgx.Rows, err error) ([]Payment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO payments
(customer_id, rental_id, vehicle_id, amount, payment_date, payment_type, method, remaining_amount, status, idempotency_key)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,'')) RETURNING id, created_at`,
		p.CustomerID, p.RentalID, p.VehicleID, p.Amount, p.PaymentDate, p.Type, p.Method, p.RemainingAmount, p.Status, p.IdempotencyKey)
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (r *txRepository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(r.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	return p, err
}

func (r *txRepository) FindPaymentByKey(ctx context.Context, key string) (Payment, bool, error) {
	p, err := scanPayment(r.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return p, true, nil
}

func (r *txRepository) ListCreditPayments(ctx context.Context, customerID int64) ([]Payment, error) {
	return collectPayments(r.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE customer_id = $1 AND status IN ('Credit', 'Partial') AND remaining_amount > 0 FOR UPDATE`, customerID))
}

func (r *txRepository) ListCustomerPayments(ctx context.Context, customerID int64) ([]Payment, error) {
	return collectPayments(r.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE customer_id = $1 ORDER BY payment_date, id`, customerID))
}

func (r *txRepository) ListPaymentsActiveSince(ctx context.Context, since time.Time) ([]Payment, error) {
	return collectPayments(r.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE payment_date >= $1
   OR EXISTS (SELECT 1 FROM payment_applications a WHERE a.payment_id = payments.id AND a.created_at >= $1)
ORDER BY payment_date, id`, since))
}

func (r *txRepository) UpdatePaymentBalance(ctx context.Context, id int64, remaining decimal.Decimal, status PaymentStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE payments SET remaining_amount = $2, status = $3 WHERE id = $1`, id, remaining, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApplications(rows pgx.Rows, err error) ([]PaymentApplication, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []PaymentApplication
	for rows.Next() {
		var a PaymentApplication
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.ChargeEntryID, &a.AmountApplied, &a.CreatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (r *txRepository) FindApplication(ctx context.Context, paymentID, chargeID int64) (PaymentApplication, bool, error) {
	var a PaymentApplication
	err := r.tx.QueryRow(ctx, `SELECT id, payment_id, charge_entry_id, amount_applied, created_at
FROM payment_applications WHERE payment_id = $1 AND charge_entry_id = $2`, paymentID, chargeID).
		Scan(&a.ID, &a.PaymentID, &a.ChargeEntryID, &a.AmountApplied, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentApplication{}, false, nil
	}
	if err != nil {
		return PaymentApplication{}, false, err
	}
	return a, true, nil
}

func (r *txRepository) InsertApplication(ctx context.Context, a PaymentApplication) (PaymentApplication, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO payment_applications (payment_id, charge_entry_id, amount_applied)
VALUES ($1,$2,$3) RETURNING id, created_at`, a.PaymentID, a.ChargeEntryID, a.AmountApplied).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return PaymentApplication{}, err
	}
	return a, nil
}

func (r *txRepository) ListApplicationsByPayment(ctx context.Context, paymentID int64) ([]PaymentApplication, error) {
	return scanApplications(r.tx.Query(ctx, `SELECT id, payment_id, charge_entry_id, amount_applied, created_at
FROM payment_applications WHERE payment_id = $1 ORDER BY id`, paymentID))
}

func (r *txRepository) ListApplicationsByCharge(ctx context.Context, chargeID int64) ([]PaymentApplication, error) {
	return scanApplications(r.tx.Query(ctx, `SELECT id, payment_id, charge_entry_id, amount_applied, created_at
FROM payment_applications WHERE charge_entry_id = $1 ORDER BY id`, chargeID))
}

func (r *txRepository) PnLExists(ctx context.Context, key uuid.UUID) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pnl_entries WHERE idempotency_key = $1)`, key).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertPnL(ctx context.Context, e PnLEntry) (PnLEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO pnl_entries
(vehicle_id, customer_id, entry_date, side, category, amount, source_ref, idempotency_key)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at`,
		e.VehicleID, e.CustomerID, e.EntryDate, e.Side, e.Category, e.Amount, e.SourceRef, e.IdempotencyKey).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return PnLEntry{}, err
	}
	return e, nil
}

func (r *txRepository) DeletePnL(ctx context.Context, key uuid.UUID) (bool, error) {
	tag, err := r.tx.Exec(ctx, `DELETE FROM pnl_entries WHERE idempotency_key = $1`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *txRepository) ListVehiclePnL(ctx context.Context, vehicleID int64) ([]PnLEntry, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, vehicle_id, customer_id, entry_date, side, category, amount, source_ref, idempotency_key, created_at
FROM pnl_entries WHERE vehicle_id = $1 ORDER BY entry_date, id`, vehicleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []PnLEntry
	for rows.Next() {
		var e PnLEntry
		if err := rows.Scan(&e.ID, &e.VehicleID, &e.CustomerID, &e.EntryDate, &e.Side, &e.Category, &e.Amount, &e.SourceRef, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const fineColumns = `id, customer_id, vehicle_id, type, amount, issue_date, due_date, liability, status,
charged_at, appealed_at, waived_at, resolved_at`

func scanFine(row pgx.Row) (Fine, error) {
	var f Fine
	err := row.Scan(&f.ID, &f.CustomerID, &f.VehicleID, &f.Type, &f.Amount, &f.IssueDate, &f.DueDate, &f.Liability, &f.Status,
		&f.ChargedAt, &f.AppealedAt, &f.WaivedAt, &f.ResolvedAt)
	return f, err
}

func (r *txRepository) GetFine(ctx context.Context, id int64) (Fine, error) {
	f, err := scanFine(r.tx.QueryRow(ctx, `SELECT `+fineColumns+` FROM fines WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Fine{}, ErrNotFound
	}
	return f, err
}

func (r *txRepository) UpdateFine(ctx context.Context, f Fine) error {
	tag, err := r.tx.Exec(ctx, `UPDATE fines SET status = $2, charged_at = $3, appealed_at = $4, waived_at = $5, resolved_at = $6
WHERE id = $1`, f.ID, f.Status, f.ChargedAt, f.AppealedAt, f.WaivedAt, f.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) ListFinesByStatus(ctx context.Context, statuses ...FineStatus) ([]Fine, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := r.tx.Query(ctx, `SELECT `+fineColumns+` FROM fines WHERE status = ANY($1) ORDER BY id`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fines []Fine
	for rows.Next() {
		f, err := scanFine(rows)
		if err != nil {
			return nil, err
		}
		fines = append(fines, f)
	}
	return fines, rows.Err()
}

func (r *txRepository) CountAuthorityPayments(ctx context.Context, fineID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM authority_payments WHERE fine_id = $1`, fineID).Scan(&n)
	return n, err
}

const rentalColumns = `id, customer_id, vehicle_id, start_date, end_date, monthly_amount, status`

func scanRental(row pgx.Row) (Rental, error) {
	var rt Rental
	err := row.Scan(&rt.ID, &rt.CustomerID, &rt.VehicleID, &rt.StartDate, &rt.EndDate, &rt.MonthlyAmount, &rt.Status)
	return rt, err
}

func (r *txRepository) GetRental(ctx context.Context, id int64) (Rental, error) {
	rt, err := scanRental(r.tx.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Rental{}, ErrNotFound
	}
	return rt, err
}

func (r *txRepository) ListActiveRentals(ctx context.Context) ([]Rental, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE status = 'Active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rentals []Rental
	for rows.Next() {
		rt, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		rentals = append(rentals, rt)
	}
	return rentals, rows.Err()
}
