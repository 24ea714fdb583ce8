package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/relaygate/mailbridge/internal/model"
)

// ErrStaleTransition is returned when a status update matched no row:
// the request is unknown, already terminal, or another invocation moved
// it first.
var ErrStaleTransition = fmt.Errorf("outbound request missing or not in expected status")

// OutboundRepository defines persistence for the outbound_requests table.
type OutboundRepository interface {
	Get(ctx context.Context, sourceMessageID string) (*model.OutboundRequest, error)
	// InsertIfAbsent guarantees exactly one row per source_message_id,
	// even under concurrent handler invocations for the same id. It
	// returns the row that won, whichever invocation created it.
	InsertIfAbsent(ctx context.Context, req model.OutboundRequest) (*model.OutboundRequest, error)
	// UpdateStatus moves the row forward. result_id/error are only
	// written when non-nil; terminal rows are never overwritten.
	UpdateStatus(ctx context.Context, sourceMessageID string, status model.RequestStatus, resultID, errText *string) error
}

type OutboundRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboundRepository(db *sqlx.DB) *OutboundRepositoryImpl {
	return &OutboundRepositoryImpl{db: db}
}

var _ OutboundRepository = (*OutboundRepositoryImpl)(nil)

const outboundColumns = `source_message_id, sender_identity, recipients, cc, bcc, subject, text_body, html_body, reply_to, status, result_id, error, created_at, updated_at`

func (r *OutboundRepositoryImpl) Get(ctx context.Context, sourceMessageID string) (*model.OutboundRequest, error) {
	var req model.OutboundRequest
	err := r.db.GetContext(ctx, &req, `
		SELECT `+outboundColumns+`
		  FROM outbound_requests
		 WHERE source_message_id = ? LIMIT 1
	`, sourceMessageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *OutboundRepositoryImpl) InsertIfAbsent(ctx context.Context, req model.OutboundRequest) (*model.OutboundRequest, error) {
	const q = `
		INSERT IGNORE INTO outbound_requests
		    (source_message_id, sender_identity, recipients, cc, bcc, subject, text_body, html_body, reply_to, status, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, 'received', NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, q,
		req.SourceMessageID, req.SenderIdentity, req.To, req.CC, req.BCC,
		req.Subject, req.Text, req.HTML, req.ReplyTo,
	)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, req.SourceMessageID)
}

func (r *OutboundRepositoryImpl) UpdateStatus(ctx context.Context, sourceMessageID string, status model.RequestStatus, resultID, errText *string) error {
	// Each target status has exactly one legal predecessor. Requiring it
	// in the WHERE clause keeps the status monotonic and serializes two
	// handler invocations racing on the same id: the loser matches no
	// row and gets ErrStaleTransition.
	var from model.RequestStatus
	switch status {
	case model.StatusSending:
		from = model.StatusReceived
	case model.StatusSent, model.StatusFailed:
		from = model.StatusSending
	default:
		return fmt.Errorf("invalid target status %q", status)
	}

	q := `UPDATE outbound_requests SET status = ?, updated_at = NOW()`
	args := []any{status.String()}
	if resultID != nil {
		q += `, result_id = ?`
		args = append(args, *resultID)
	}
	if errText != nil {
		q += `, error = ?`
		args = append(args, *errText)
	}
	q += ` WHERE source_message_id = ? AND status = ?`
	args = append(args, sourceMessageID, from.String())

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}
