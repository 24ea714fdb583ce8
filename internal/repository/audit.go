package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/relaygate/mailbridge/internal/model"
)

// AuditRepository writes and lists relay audit events in ClickHouse.
type AuditRepository interface {
	Insert(ctx context.Context, ev model.RelayEvent) error
	List(ctx context.Context, direction, outcome string, limit, offset int) ([]model.RelayEvent, error)
}

type auditRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewAuditRepository(ch *sqlx.DB) AuditRepository {
	return &auditRepository{ch: ch}
}

func (r *auditRepository) Insert(ctx context.Context, ev model.RelayEvent) error {
	const q = `
		INSERT INTO mailbridge.relay_events (id, direction, ref, outcome, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.ch.ExecContext(ctx, q, ev.ID, ev.Direction, ev.Ref, ev.Outcome, ev.Detail, ev.At)
	return err
}

func (r *auditRepository) List(ctx context.Context, direction, outcome string, limit, offset int) ([]model.RelayEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, direction, ref, outcome, detail, at
		FROM mailbridge.relay_events
		WHERE 1 = 1
	`
	args := []any{}

	if direction != "" {
		q += " AND direction = ?"
		args = append(args, direction)
	}
	if outcome != "" {
		q += " AND outcome = ?"
		args = append(args, outcome)
	}

	q += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.RelayEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
