package model

import "time"

// RelayEvent is one audit row per relay decision, written to ClickHouse.
type RelayEvent struct {
	ID        string    `db:"id" json:"id"`
	Direction string    `db:"direction" json:"direction"` // inbound|outbound
	Ref       string    `db:"ref" json:"ref"`             // inbound item id or source message id
	Outcome   string    `db:"outcome" json:"outcome"`     // received|duplicate|delivered|sent|failed|rejected
	Detail    string    `db:"detail" json:"detail"`
	At        time.Time `db:"at" json:"at"`
}
