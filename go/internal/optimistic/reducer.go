// Package optimistic holds provisional field values written ahead of a mutation
// call. State transitions are a pure reducer so rollback rules are testable
// without any rendering.
package optimistic

import "github.com/mcdev12/empire/go/internal/models"

// Overlay shadows one record field until its mutation resolves
type Overlay struct {
	Field string
	Value any
	Seq   uint64
}

// State is an immutable set of overlays, at most one per field
type State struct {
	overlays map[string]Overlay
	latest   map[string]uint64
	seq      uint64
}

// Event is an input to Reduce
type Event interface {
	isEvent()
}

// Intent records a user-initiated change. It replaces any overlay on the field.
type Intent struct {
	Field string
	Value any
}

// Resolved ends the mutation identified by Seq. Err is nil on success. Only the
// current overlay of the field is cleared; a resolution for a replaced overlay
// leaves the newer one in place.
type Resolved struct {
	Field string
	Seq   uint64
	Err   error
}

// Reset drops every overlay
type Reset struct{}

func (Intent) isEvent()   {}
func (Resolved) isEvent() {}
func (Reset) isEvent()    {}

// Reduce returns the state after ev. prev is never modified.
func Reduce(prev State, ev Event) State {
	switch e := ev.(type) {
	case Intent:
		next := prev.clone()
		next.seq++
		next.overlays[e.Field] = Overlay{Field: e.Field, Value: e.Value, Seq: next.seq}
		next.latest[e.Field] = next.seq
		return next

	case Resolved:
		current, ok := prev.overlays[e.Field]
		if !ok || current.Seq != e.Seq {
			return prev
		}
		next := prev.clone()
		delete(next.overlays, e.Field)
		return next

	case Reset:
		next := prev.clone()
		next.overlays = map[string]Overlay{}
		return next
	}
	return prev
}

func (s State) clone() State {
	next := State{
		overlays: make(map[string]Overlay, len(s.overlays)+1),
		latest:   make(map[string]uint64, len(s.latest)+1),
		seq:      s.seq,
	}
	for k, v := range s.overlays {
		next.overlays[k] = v
	}
	for k, v := range s.latest {
		next.latest[k] = v
	}
	return next
}

// Latest returns the sequence of the most recent intent on field, resolved or not
func (s State) Latest(field string) uint64 {
	return s.latest[field]
}

// Current returns the overlay on field, if any
func (s State) Current(field string) (Overlay, bool) {
	o, ok := s.overlays[field]
	return o, ok
}

// Len returns the number of active overlays
func (s State) Len() int {
	return len(s.overlays)
}

// Apply returns a copy of fields with overlay values taking precedence
func (s State) Apply(fields models.Fields) models.Fields {
	out := fields.Clone()
	for k, o := range s.overlays {
		out[k] = o.Value
	}
	return out
}
