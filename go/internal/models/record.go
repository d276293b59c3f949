package models

import (
	"time"

	"github.com/google/uuid"
)

// UpdatedAtField is the record field the remote stamps on every write.
const UpdatedAtField = "updated_at"

// Fields is a flat mapping of named record values. Values are float64, bool,
// string or nil, the shapes a JSON or structpb decode produces.
type Fields map[string]any

// UserRecord is the per-user game state snapshot as last known to the client
type UserRecord struct {
	UserID         uuid.UUID `json:"user_id"`
	Fields         Fields    `json:"fields"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// NewUserRecord creates a record from an initial set of fields
func NewUserRecord(userID uuid.UUID, fields Fields) *UserRecord {
	r := &UserRecord{UserID: userID, Fields: Fields{}}
	r.Merge(fields)
	return r
}

// Merge shallow-unions incoming into the record. Incoming values overwrite
// existing ones of the same name and absent fields are preserved. The updated_at
// field only moves forward, in step with LastUpdateTime.
func (r *UserRecord) Merge(incoming Fields) {
	if r.Fields == nil {
		r.Fields = Fields{}
	}
	ts, stamped := ParseTimestamp(incoming[UpdatedAtField])
	older := stamped && ts.Before(r.LastUpdateTime)
	for k, v := range incoming {
		if k == UpdatedAtField && older {
			continue
		}
		r.Fields[k] = v
	}
	if stamped {
		r.Touch(ts)
	}
}

// Older reports whether t predates the latest authoritative update already merged
func (r *UserRecord) Older(t time.Time) bool {
	return t.Before(r.LastUpdateTime)
}

// Touch advances LastUpdateTime to t if t is later. LastUpdateTime is the latest
// authoritative time seen, including event envelopes that carry no updated_at field.
func (r *UserRecord) Touch(t time.Time) {
	if t.After(r.LastUpdateTime) {
		r.LastUpdateTime = t
	}
}

// Clone returns a deep copy of the record
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	return &UserRecord{
		UserID:         r.UserID,
		Fields:         r.Fields.Clone(),
		LastUpdateTime: r.LastUpdateTime,
	}
}

// Has reports whether the record carries the named field
func (r *UserRecord) Has(name string) bool {
	_, ok := r.Fields[name]
	return ok
}

// Clone copies the mapping
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Float returns a numeric field, zero if missing or not a number
func (f Fields) Float(name string) float64 {
	switch v := f[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case int16:
		return float64(v)
	case int8:
		return float64(v)
	case uint64:
		return float64(v)
	case uint32:
		return float64(v)
	case uint16:
		return float64(v)
	case uint8:
		return float64(v)
	}
	return 0
}

// Int returns a numeric field truncated to an integer
func (f Fields) Int(name string) int64 {
	return int64(f.Float(name))
}

// Bool returns a boolean field, false if missing
func (f Fields) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

// String returns a string field, empty if missing
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// ParseTimestamp accepts the updated-at encodings the remote emits: RFC 3339
// strings, time.Time values and unix milliseconds.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		if t == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)), true
	case int64:
		if t <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(t), true
	}
	return time.Time{}, false
}
