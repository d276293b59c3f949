// Package devserver is an in-memory remote game state store for local
// development and end-to-end tests. Accrual is a flat per-minute rate; it is a
// harness for the synchronization client, not a balance model.
package devserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/empire/go/internal/boundary"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Mutation actions understood by the world
const (
	ActionToggle   = "toggle"
	ActionPurchase = "purchase"
)

// Publisher fans change events out to push channels
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Economy holds the accrual and price tables
type Economy struct {
	// Rates are granted once per elapsed minute
	Rates    map[string]float64
	Defaults models.Fields
	// Prices are gold costs per purchasable item
	Prices  map[string]float64
	Toggles []string
}

// DefaultEconomy returns a small economy good enough to watch numbers move
func DefaultEconomy() Economy {
	return Economy{
		Rates: map[string]float64{
			"gold":  10,
			"food":  5,
			"turns": 1,
		},
		Defaults: models.Fields{
			"gold":         100.0,
			"food":         50.0,
			"turns":        0.0,
			"auto_explore": false,
			"night_shift":  false,
		},
		Prices: map[string]float64{
			"granary":  40,
			"barracks": 120,
		},
		Toggles: []string{"auto_explore", "night_shift"},
	}
}

type player struct {
	fields  models.Fields
	accrued boundary.ID
}

// World is the authoritative per-user state
type World struct {
	clock   clockwork.Clock
	economy Economy

	mu         sync.Mutex
	players    map[uuid.UUID]*player
	admins     map[uuid.UUID]bool
	publishers []Publisher
}

// NewWorld creates an empty world
func NewWorld(clock clockwork.Clock, economy Economy) *World {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &World{
		clock:   clock,
		economy: economy,
		players: make(map[uuid.UUID]*player),
		admins:  make(map[uuid.UUID]bool),
	}
}

// AddPublisher registers a push channel for change events
func (w *World) AddPublisher(p Publisher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publishers = append(w.publishers, p)
}

// SetAdmin marks userID as an administrator in its profile
func (w *World) SetAdmin(userID uuid.UUID, admin bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.admins[userID] = admin
}

// Now returns the authoritative clock
func (w *World) Now() time.Time {
	return w.clock.Now()
}

// Profile returns the permission and layout data of userID. Every user has one,
// including users without a record yet.
func (w *World) Profile(userID uuid.UUID) (*models.Profile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &models.Profile{
		IsAdmin:      w.admins[userID],
		LayoutConfig: map[string]any{"panels": []any{"resources", "ranking"}},
	}, nil
}

// State returns the full record of userID
func (w *World) State(userID uuid.UUID) (models.Fields, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.players[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return p.fields.Clone(), nil
}

// CreateDefault creates the record of userID from the economy defaults overlaid
// with defaults. An existing record is returned unchanged.
func (w *World) CreateDefault(ctx context.Context, userID uuid.UUID, defaults models.Fields) (models.Fields, error) {
	w.mu.Lock()
	if p, ok := w.players[userID]; ok {
		fields := p.fields.Clone()
		w.mu.Unlock()
		return fields, nil
	}

	now := w.clock.Now()
	fields := w.economy.Defaults.Clone()
	for k, v := range defaults {
		fields[k] = v
	}
	stamp(fields, now)
	w.players[userID] = &player{fields: fields, accrued: boundary.Of(now)}
	out := fields.Clone()
	w.mu.Unlock()

	log.Info().Str("user_id", userID.String()).Msg("created default record")
	return out, nil
}

// Advance grants the accrual of every whole minute elapsed since the last grant.
// Repeated calls within one minute return the record unchanged.
func (w *World) Advance(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	w.mu.Lock()
	p, ok := w.players[userID]
	if !ok {
		w.mu.Unlock()
		return nil, models.ErrNotFound
	}

	now := w.clock.Now()
	current := boundary.Of(now)
	elapsed := int64(current - p.accrued)
	if elapsed <= 0 {
		fields := p.fields.Clone()
		w.mu.Unlock()
		return fields, nil
	}

	changed := models.Fields{}
	for name, rate := range w.economy.Rates {
		v := p.fields.Float(name) + rate*float64(elapsed)
		p.fields[name] = v
		changed[name] = v
	}
	p.accrued = current
	stamp(p.fields, now)
	stamp(changed, now)
	out := p.fields.Clone()
	w.mu.Unlock()

	log.Debug().
		Str("user_id", userID.String()).
		Int64("minutes", elapsed).
		Msg("granted accrual")

	w.publish(ctx, userID, changed, now)
	return out, nil
}

// Ranking orders players by gold. Ties keep id order so ranks are stable.
func (w *World) Ranking(userID uuid.UUID) (models.Fields, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.players[userID]; !ok {
		return nil, models.ErrNotFound
	}

	ids := make([]uuid.UUID, 0, len(w.players))
	for id := range w.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		gi, gj := w.players[ids[i]].fields.Float("gold"), w.players[ids[j]].fields.Float("gold")
		if gi != gj {
			return gi > gj
		}
		return ids[i].String() < ids[j].String()
	})

	for i, id := range ids {
		if id == userID {
			return models.Fields{"rank": float64(i + 1), "players": float64(len(ids))}, nil
		}
	}
	return nil, models.ErrNotFound
}

// Mutate applies a toggle or a purchase. Business-rule violations return
// models.ErrMutationRejected.
func (w *World) Mutate(ctx context.Context, userID uuid.UUID, action string, params models.Fields) (models.Fields, error) {
	w.mu.Lock()
	p, ok := w.players[userID]
	if !ok {
		w.mu.Unlock()
		return nil, models.ErrNotFound
	}

	var (
		changed models.Fields
		err     error
	)
	switch action {
	case ActionToggle:
		changed, err = w.toggle(p, params)
	case ActionPurchase:
		changed, err = w.purchase(p, params)
	default:
		err = fmt.Errorf("%w: unknown action %q", models.ErrMutationRejected, action)
	}
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}

	now := w.clock.Now()
	for k, v := range changed {
		p.fields[k] = v
	}
	stamp(p.fields, now)
	stamp(changed, now)
	out := p.fields.Clone()
	w.mu.Unlock()

	w.publish(ctx, userID, changed, now)
	return out, nil
}

func (w *World) toggle(p *player, params models.Fields) (models.Fields, error) {
	field := params.String("field")
	allowed := false
	for _, t := range w.economy.Toggles {
		if t == field {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %q is not a toggle", models.ErrMutationRejected, field)
	}
	value, ok := params["value"].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: toggle value must be a boolean", models.ErrMutationRejected)
	}
	return models.Fields{field: value}, nil
}

func (w *World) purchase(p *player, params models.Fields) (models.Fields, error) {
	item := params.String("item")
	price, ok := w.economy.Prices[item]
	if !ok {
		return nil, fmt.Errorf("%w: unknown item %q", models.ErrMutationRejected, item)
	}
	gold := p.fields.Float("gold")
	if gold < price {
		return nil, fmt.Errorf("%w: %s costs %.0f gold, have %.0f", models.ErrMutationRejected, item, price, gold)
	}
	count := item + "_count"
	return models.Fields{
		"gold": gold - price,
		count:  p.fields.Float(count) + 1,
	}, nil
}

func (w *World) publish(ctx context.Context, userID uuid.UUID, fields models.Fields, at time.Time) {
	w.mu.Lock()
	publishers := w.publishers
	w.mu.Unlock()
	if len(publishers) == 0 {
		return
	}

	ev := models.ChangeEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Fields:    fields,
		UpdatedAt: at,
	}
	for _, p := range publishers {
		if err := p.Publish(ctx, ev); err != nil {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to publish change event")
		}
	}
}

func stamp(fields models.Fields, at time.Time) {
	fields[models.UpdatedAtField] = at.UTC().Format(time.RFC3339Nano)
}
