package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/relaygate/mailbridge/internal/model"
	"github.com/relaygate/mailbridge/internal/util"
)

// InboundRepository defines persistence for the inbound_items table.
type InboundRepository interface {
	// Insert writes a new item unless its dedupe key already exists.
	// Returns (id, false, nil) on first insertion and (0, true, nil)
	// when the key was seen before.
	Insert(ctx context.Context, email model.InboundEmail) (int64, bool, error)
	Get(ctx context.Context, id int64) (*model.InboundItem, error)
	// ListUndelivered returns items with no delivered_at, oldest first.
	// Safe to call repeatedly; used for queue rehydration.
	ListUndelivered(ctx context.Context, limit int) ([]model.InboundItem, error)
	// MarkDelivered is idempotent: re-marking a delivered row is a
	// harmless overwrite.
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
}

type InboundRepositoryImpl struct {
	db *sqlx.DB
}

func NewInboundRepository(db *sqlx.DB) *InboundRepositoryImpl {
	return &InboundRepositoryImpl{db: db}
}

var _ InboundRepository = (*InboundRepositoryImpl)(nil)

func (r *InboundRepositoryImpl) Insert(ctx context.Context, email model.InboundEmail) (int64, bool, error) {
	key := util.DedupeKey(email.TransportMessageID, email.From, email.To, email.Subject, email.Text, email.ReceivedAt)

	// INSERT IGNORE + UNIQUE(dedupe_key) is the sole gate against
	// double-processing repeated webhook deliveries.
	const q = `
		INSERT IGNORE INTO inbound_items
		    (dedupe_key, from_addr, to_addr, subject, text_body, html_body, message_id, received_at, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, NOW())
	`
	res, err := r.db.ExecContext(ctx, q,
		key, email.From, email.To, email.Subject, email.Text, email.HTML, email.MessageID, email.ReceivedAt,
	)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, true, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

func (r *InboundRepositoryImpl) Get(ctx context.Context, id int64) (*model.InboundItem, error) {
	var item model.InboundItem
	err := r.db.GetContext(ctx, &item, `
		SELECT id, dedupe_key, from_addr, to_addr, subject, text_body, html_body, message_id, received_at, delivered_at, created_at
		  FROM inbound_items
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *InboundRepositoryImpl) ListUndelivered(ctx context.Context, limit int) ([]model.InboundItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var items []model.InboundItem
	err := r.db.SelectContext(ctx, &items, `
		SELECT id, dedupe_key, from_addr, to_addr, subject, text_body, html_body, message_id, received_at, delivered_at, created_at
		  FROM inbound_items
		 WHERE delivered_at IS NULL
		 ORDER BY id ASC
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *InboundRepositoryImpl) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE inbound_items SET delivered_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, q, at, id)
	return err
}
