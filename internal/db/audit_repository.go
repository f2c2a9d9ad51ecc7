package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"settlement-service/internal/model"
)

const auditColumns = `id, entity_type, entity_id, action, from_status, to_status, actor, reason, created_at, published_at`

// AuditRepository stores the append-only transition trail. Rows are never
// updated except to stamp published_at.
type AuditRepository struct{}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Append(ctx context.Context, q Querier, e *model.AuditEntry) error {
	query := `INSERT INTO settlement_audit (id, entity_type, entity_id, action, from_status, to_status, actor, reason,
	              created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.Exec(ctx, query, e.ID, e.EntityType, e.EntityID, e.Action, e.FromStatus, e.ToStatus, e.Actor,
		e.Reason, e.CreatedAt)
	return errors.Wrapf(err, "append audit entry for %s %d", e.EntityType, e.EntityID)
}

func (r *AuditRepository) ListByEntity(ctx context.Context, q Querier, entityType string, entityID int64) ([]*model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM settlement_audit
	          WHERE entity_type = $1 AND entity_id = $2
	          ORDER BY created_at, id`
	return queryAudit(ctx, q, query, entityType, entityID)
}

// ListUnpublished locks up to limit unpublished entries, skipping rows held
// by another publisher.
func (r *AuditRepository) ListUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM settlement_audit
	          WHERE published_at IS NULL
	          ORDER BY created_at, id
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	return queryAudit(ctx, tx, query, limit)
}

func (r *AuditRepository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, at time.Time) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}
	query := `UPDATE settlement_audit SET published_at = $2 WHERE id = ANY($1::uuid[])`
	_, err := tx.Exec(ctx, query, keys, at)
	return errors.Wrap(err, "mark audit entries published")
}

func queryAudit(ctx context.Context, q Querier, query string, args ...any) ([]*model.AuditEntry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query audit entries")
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.FromStatus, &e.ToStatus, &e.Actor,
			&e.Reason, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		entries = append(entries, &e)
	}
	return entries, errors.Wrap(rows.Err(), "iterate audit entries")
}
