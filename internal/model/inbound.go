package model

import (
	"database/sql"
	"time"
)

// InboundItem is the DB entity persisted in inbound_items: one received
// email awaiting (or done with) delivery to the network conversation.
type InboundItem struct {
	ID          int64        `db:"id"`
	DedupeKey   string       `db:"dedupe_key"`
	From        string       `db:"from_addr"`
	To          string       `db:"to_addr"`
	Subject     string       `db:"subject"`
	Text        string       `db:"text_body"`
	HTML        string       `db:"html_body"`
	MessageID   string       `db:"message_id"`
	ReceivedAt  time.Time    `db:"received_at"`
	DeliveredAt sql.NullTime `db:"delivered_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

// Delivered reports whether the item reached its terminal state.
func (i InboundItem) Delivered() bool {
	return i.DeliveredAt.Valid
}

// InboundEmail is the normalized record the webhook layer hands to the
// relay engine. The webhook collaborator has already verified the
// signature and filtered the recipient before building one of these.
type InboundEmail struct {
	From               string
	To                 string
	Subject            string
	Text               string
	HTML               string
	MessageID          string
	TransportMessageID string
	ReceivedAt         time.Time
}
