package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one entry in the custody trail. Every state change along the
// procure-to-stock chain (order approvals, deliveries, inspections, postings)
// records who did what to which entity.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

var errAuditIncomplete = errors.New("shared: audit entry requires action, entity and entity id")

const insertAuditSQL = `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`

// AuditLogger appends entries to the audit_logs table. Writes are
// fire-and-forget from the services' point of view; a failed audit write never
// rolls back the business transaction it describes.
type AuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record appends one entry. An unset At defaults to the database clock.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errAuditIncomplete
	}
	if l == nil || l.pool == nil {
		return errors.New("shared: audit logger not initialised")
	}
	var meta []byte
	if len(entry.Meta) > 0 {
		var err error
		meta, err = json.Marshal(entry.Meta)
		if err != nil {
			return err
		}
	}
	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	_, err := l.pool.Exec(ctx, insertAuditSQL, entry.ActorID, entry.Action, entry.Entity, entry.EntityID, meta, at)
	return err
}
