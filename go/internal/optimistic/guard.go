package optimistic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ActionToggle is the remote mutation action used for boolean toggles
const ActionToggle = "toggle"

// SourceMutation tags merges of mutation responses
const SourceMutation = "mutation"

// Mutator defines what the guard needs from the remote state store
type Mutator interface {
	Mutate(ctx context.Context, userID uuid.UUID, action string, params models.Fields) (models.Fields, error)
}

// Target is the local state the guard writes into. The session store implements it.
type Target interface {
	Dispatch(ev Event) State
	MergeFields(source string, fields models.Fields)
	View() models.Fields
	SetMutationError(field string, err error)
}

// Guard shows a mutation's intended value immediately and reconciles it when the
// call resolves. It never triggers a refresh.
type Guard struct {
	mutator Mutator
	target  Target
}

// NewGuard creates a guard
func NewGuard(mutator Mutator, target Target) *Guard {
	return &Guard{mutator: mutator, target: target}
}

// Toggle flips a boolean field. The rendered value, overlay included, decides the new value.
func (g *Guard) Toggle(ctx context.Context, userID uuid.UUID, field string) error {
	value := !g.target.View().Bool(field)
	return g.Set(ctx, userID, field, value, ActionToggle, models.Fields{"field": field, "value": value})
}

// Set writes an overlay for field, then runs the mutation. A second call for the
// same field before the first resolves replaces the overlay and issues its own call.
func (g *Guard) Set(ctx context.Context, userID uuid.UUID, field string, value any, action string, params models.Fields) error {
	g.target.SetMutationError(field, nil)
	state := g.target.Dispatch(Intent{Field: field, Value: value})
	overlay, _ := state.Current(field)

	log.Debug().
		Str("user_id", userID.String()).
		Str("field", field).
		Str("action", action).
		Uint64("seq", overlay.Seq).
		Msg("optimistic overlay written")

	fields, err := g.mutator.Mutate(ctx, userID, action, params)
	if err != nil {
		state = g.target.Dispatch(Resolved{Field: field, Seq: overlay.Seq, Err: err})
		// a newer intent on the field owns its error state
		if state.Latest(field) == overlay.Seq {
			g.target.SetMutationError(field, err)
		}
		log.Warn().
			Err(err).
			Str("user_id", userID.String()).
			Str("field", field).
			Str("action", action).
			Msg("mutation failed, overlay rolled back")
		return fmt.Errorf("%s %s: %w", action, field, err)
	}

	// merge first so the field never renders the pre-mutation value in between
	g.target.MergeFields(SourceMutation, fields)
	g.target.Dispatch(Resolved{Field: field, Seq: overlay.Seq})
	return nil
}
