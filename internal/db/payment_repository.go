package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"settlement-service/internal/model"
)

const paymentColumns = `id, booking_id, worker_id, amount, platform_fee, worker_amount, currency, status,
	job_title, payout_method, payout_destination, held_at, released_at, refunded_at, refund_reason,
	refund_amount, external_reference, clawback_required, version, created_at, updated_at`

// unlinkedPayment matches payments that no payout's metadata points back to.
const unlinkedPayment = `NOT EXISTS (
	SELECT 1 FROM worker_payouts o WHERE o.metadata ->> 'payment_id' = p.id::text)`

type PaymentRepository struct{}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{}
}

// Create inserts p, or returns the existing payment for the same booking
// with created=false.
func (r *PaymentRepository) Create(ctx context.Context, q Querier, p *model.Payment) (*model.Payment, bool, error) {
	query := `INSERT INTO payments (booking_id, worker_id, amount, platform_fee, worker_amount, currency, status,
	              job_title, payout_method, payout_destination, external_reference)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          ON CONFLICT (booking_id) DO NOTHING
	          RETURNING ` + paymentColumns
	created, err := scanPayment(q.QueryRow(ctx, query, p.BookingID, p.WorkerID, p.Amount, p.PlatformFee,
		p.WorkerAmount, p.Currency, p.Status, p.JobTitle, p.PayoutMethod, p.PayoutDestination, p.ExternalReference))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, errors.Wrap(err, "insert payment")
	}

	existing, err := r.GetByBookingID(ctx, q, p.BookingID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, q Querier, id int64) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(q.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) GetByBookingID(ctx context.Context, q Querier, bookingID int64) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE booking_id = $1`
	return scanPayment(q.QueryRow(ctx, query, bookingID))
}

func (r *PaymentRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id int64) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return scanPayment(tx.QueryRow(ctx, query, id))
}

// Update writes the mutable columns of p if nobody else changed the row
// since p was read, and bumps p.Version.
func (r *PaymentRepository) Update(ctx context.Context, q Querier, p *model.Payment) error {
	query := `UPDATE payments
	          SET status = $3, held_at = $4, released_at = $5, refunded_at = $6, refund_reason = $7,
	              refund_amount = $8, external_reference = $9, clawback_required = $10,
	              version = version + 1, updated_at = NOW()
	          WHERE id = $1 AND version = $2
	          RETURNING version, updated_at`
	err := q.QueryRow(ctx, query, p.ID, p.Version, p.Status, p.HeldAt, p.ReleasedAt, p.RefundedAt, p.RefundReason,
		p.RefundAmount, p.ExternalReference, p.ClawbackRequired).Scan(&p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(model.ErrConcurrentModification, "payment %d version %d", p.ID, p.Version)
	}
	return errors.Wrapf(err, "update payment %d", p.ID)
}

// ListHeldBefore returns HELD payments captured before cutoff, oldest first.
func (r *PaymentRepository) ListHeldBefore(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
	          WHERE status = 'HELD' AND held_at < $1
	          ORDER BY held_at, id
	          LIMIT $2`
	return queryPayments(ctx, q, query, cutoff, limit)
}

// ListReleasedWithoutPayout returns RELEASED payments with no linked payout,
// in release order.
func (r *PaymentRepository) ListReleasedWithoutPayout(ctx context.Context, q Querier) ([]*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p
	          WHERE p.status = 'RELEASED' AND ` + unlinkedPayment + `
	          ORDER BY p.released_at, p.id`
	return queryPayments(ctx, q, query)
}

// ListUnlinkedReleasedForWorker returns the RELEASED payments of a worker
// whose worker share equals amount and that no payout points to, most
// recently released first.
func (r *PaymentRepository) ListUnlinkedReleasedForWorker(ctx context.Context, q Querier, workerID int64, amount decimal.Decimal, currency string) ([]*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p
	          WHERE p.status = 'RELEASED' AND p.worker_id = $1 AND p.worker_amount = $2 AND p.currency = $3
	            AND ` + unlinkedPayment + `
	          ORDER BY p.released_at DESC, p.id DESC`
	return queryPayments(ctx, q, query, workerID, amount, currency)
}

func queryPayments(ctx context.Context, q Querier, query string, args ...any) ([]*model.Payment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query payments")
	}
	defer rows.Close()

	var payments []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, errors.Wrap(rows.Err(), "iterate payments")
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	var p model.Payment
	err := row.Scan(&p.ID, &p.BookingID, &p.WorkerID, &p.Amount, &p.PlatformFee, &p.WorkerAmount, &p.Currency,
		&p.Status, &p.JobTitle, &p.PayoutMethod, &p.PayoutDestination, &p.HeldAt, &p.ReleasedAt, &p.RefundedAt,
		&p.RefundReason, &p.RefundAmount, &p.ExternalReference, &p.ClawbackRequired, &p.Version, &p.CreatedAt,
		&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan payment")
	}
	return &p, nil
}
