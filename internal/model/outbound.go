package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type RequestStatus string

const (
	StatusReceived RequestStatus = "received"
	StatusSending  RequestStatus = "sending"
	StatusSent     RequestStatus = "sent"
	StatusFailed   RequestStatus = "failed"
)

func (s RequestStatus) String() string {
	return string(s)
}

func (s RequestStatus) Valid() bool {
	return s == StatusReceived || s == StatusSending || s == StatusSent || s == StatusFailed
}

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// rank orders statuses along the only legal path:
// received -> sending -> sent|failed.
func (s RequestStatus) rank() int {
	switch s {
	case StatusReceived:
		return 0
	case StatusSending:
		return 1
	case StatusSent, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the
// status monotonic.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return !s.Terminal() && next.rank() == s.rank()+1
}

// StringList stores a []string as a JSON column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// OutboundRequest is the DB entity persisted in outbound_requests: one
// email-send request keyed by the network's own message id.
type OutboundRequest struct {
	SourceMessageID string        `db:"source_message_id"`
	SenderIdentity  string        `db:"sender_identity"`
	To              StringList    `db:"recipients"`
	CC              StringList    `db:"cc"`
	BCC             StringList    `db:"bcc"`
	Subject         string        `db:"subject"`
	Text            *string       `db:"text_body"`
	HTML            *string       `db:"html_body"`
	ReplyTo         *string       `db:"reply_to"`
	Status          RequestStatus `db:"status"`
	ResultID        *string       `db:"result_id"`
	Error           *string       `db:"error"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}
