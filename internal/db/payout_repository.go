package db

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"settlement-service/internal/model"
)

const payoutColumns = `id, worker_id, amount, currency, status, payment_method, destination_account, requested_at,
	auto_process_at, processed_at, completed_at, failure_reason, external_transfer_id, metadata, version,
	created_at, updated_at`

type PayoutRepository struct{}

func NewPayoutRepository() *PayoutRepository {
	return &PayoutRepository{}
}

// Create inserts p unless a payout already points at the same payment, in
// which case created is false and the returned payout is nil.
func (r *PayoutRepository) Create(ctx context.Context, q Querier, p *model.Payout) (*model.Payout, bool, error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = model.Metadata{}
	}

	query := `INSERT INTO worker_payouts (worker_id, amount, currency, status, payment_method, destination_account,
	              requested_at, auto_process_at, metadata)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT ((metadata ->> 'payment_id')) WHERE (metadata ->> 'payment_id') IS NOT NULL DO NOTHING
	          RETURNING ` + payoutColumns
	created, err := scanPayout(q.QueryRow(ctx, query, p.WorkerID, p.Amount, p.Currency, p.Status, p.PaymentMethod,
		p.DestinationAccount, p.RequestedAt, p.AutoProcessAt, metadata))
	if errors.Is(err, model.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "insert payout")
	}
	return created, true, nil
}

func (r *PayoutRepository) GetByID(ctx context.Context, q Querier, id int64) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM worker_payouts WHERE id = $1`
	return scanPayout(q.QueryRow(ctx, query, id))
}

func (r *PayoutRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id int64) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM worker_payouts WHERE id = $1 FOR UPDATE`
	return scanPayout(tx.QueryRow(ctx, query, id))
}

// GetByPaymentID finds the payout whose metadata references paymentID.
func (r *PayoutRepository) GetByPaymentID(ctx context.Context, q Querier, paymentID int64) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM worker_payouts WHERE metadata ->> 'payment_id' = $1`
	return scanPayout(q.QueryRow(ctx, query, strconv.FormatInt(paymentID, 10)))
}

func (r *PayoutRepository) SelectForUpdateByPaymentID(ctx context.Context, tx pgx.Tx, paymentID int64) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM worker_payouts WHERE metadata ->> 'payment_id' = $1 FOR UPDATE`
	return scanPayout(tx.QueryRow(ctx, query, strconv.FormatInt(paymentID, 10)))
}

// Claim moves a PENDING payout to PROCESSING. The status predicate makes it
// a compare-and-swap: of two concurrent claimers exactly one gets the row.
func (r *PayoutRepository) Claim(ctx context.Context, q Querier, id int64, now time.Time) (*model.Payout, error) {
	query := `UPDATE worker_payouts
	          SET status = 'PROCESSING', processed_at = $2, version = version + 1, updated_at = NOW()
	          WHERE id = $1 AND status = 'PENDING'
	          RETURNING ` + payoutColumns
	p, err := scanPayout(q.QueryRow(ctx, query, id, now))
	if errors.Is(err, model.ErrNotFound) {
		return nil, errors.Wrapf(model.ErrConcurrentModification, "payout %d is no longer pending", id)
	}
	return p, err
}

func (r *PayoutRepository) Update(ctx context.Context, q Querier, p *model.Payout) error {
	query := `UPDATE worker_payouts
	          SET status = $3, auto_process_at = $4, processed_at = $5, completed_at = $6, failure_reason = $7,
	              external_transfer_id = $8, metadata = $9, version = version + 1, updated_at = NOW()
	          WHERE id = $1 AND version = $2
	          RETURNING version, updated_at`
	err := q.QueryRow(ctx, query, p.ID, p.Version, p.Status, p.AutoProcessAt, p.ProcessedAt, p.CompletedAt,
		p.FailureReason, p.ExternalTransferID, p.Metadata).Scan(&p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(model.ErrConcurrentModification, "payout %d version %d", p.ID, p.Version)
	}
	if isUniqueViolation(err) {
		return errors.Wrapf(model.ErrConcurrentModification, "payout %d: payment already linked", p.ID)
	}
	return errors.Wrapf(err, "update payout %d", p.ID)
}

// ListDue returns PENDING payouts whose auto_process_at has passed, oldest
// first. Manual-only payouts (NULL auto_process_at) are never returned.
func (r *PayoutRepository) ListDue(ctx context.Context, q Querier, now time.Time, limit int) ([]*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM worker_payouts
	          WHERE status = 'PENDING' AND auto_process_at <= $1
	          ORDER BY auto_process_at, id
	          LIMIT $2`
	return queryPayouts(ctx, q, query, now, limit)
}

func (r *PayoutRepository) ListStaleProcessing(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM worker_payouts
	          WHERE status = 'PROCESSING' AND processed_at < $1
	          ORDER BY processed_at, id
	          LIMIT $2`
	return queryPayouts(ctx, q, query, cutoff, limit)
}

// ListOrphans returns payouts whose metadata carries no usable payment_id.
// The predicate is the SQL form of model.Metadata.PaymentID.
func (r *PayoutRepository) ListOrphans(ctx context.Context, q Querier) ([]*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM worker_payouts
	          WHERE metadata ->> 'payment_id' IS NULL OR metadata ->> 'payment_id' !~ '^[1-9][0-9]*$'
	          ORDER BY requested_at, id`
	return queryPayouts(ctx, q, query)
}

func queryPayouts(ctx context.Context, q Querier, query string, args ...any) ([]*model.Payout, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query payouts")
	}
	defer rows.Close()

	var payouts []*model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, errors.Wrap(rows.Err(), "iterate payouts")
}

func scanPayout(row rowScanner) (*model.Payout, error) {
	var p model.Payout
	err := row.Scan(&p.ID, &p.WorkerID, &p.Amount, &p.Currency, &p.Status, &p.PaymentMethod, &p.DestinationAccount,
		&p.RequestedAt, &p.AutoProcessAt, &p.ProcessedAt, &p.CompletedAt, &p.FailureReason, &p.ExternalTransferID,
		&p.Metadata, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan payout")
	}
	return &p, nil
}
