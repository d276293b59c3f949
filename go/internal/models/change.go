package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeEvent is a partial-record push emitted by the remote store
type ChangeEvent struct {
	ID        string    `json:"id" msgpack:"id"`
	UserID    uuid.UUID `json:"user_id" msgpack:"user_id"`
	Fields    Fields    `json:"fields" msgpack:"fields"`
	UpdatedAt time.Time `json:"updated_at,omitempty" msgpack:"updated_at,omitempty"`
}

// UpdateTime returns the authoritative update time embedded in the event,
// preferring the envelope timestamp over the record field.
func (e ChangeEvent) UpdateTime() (time.Time, bool) {
	if !e.UpdatedAt.IsZero() {
		return e.UpdatedAt, true
	}
	return ParseTimestamp(e.Fields[UpdatedAtField])
}
