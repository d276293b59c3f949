// Package realtime consumes push change events and merges them into the local
// record, with a staleness safety net for silent push channels.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ChangeFeed is a push subscription filtered to one user's record
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID uuid.UUID, onEvent func(models.ChangeEvent)) (unsubscribe func(), err error)
}

// Sink receives partial-record events. The session store implements it.
type Sink interface {
	MergeEvent(ev models.ChangeEvent)
}

// Merger owns the single push subscription of a session
type Merger struct {
	feed ChangeFeed
	sink Sink

	mu          sync.Mutex
	userID      uuid.UUID
	unsubscribe func()

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewMerger creates a merger. Nothing is subscribed until Start.
func NewMerger(feed ChangeFeed, sink Sink) *Merger {
	return &Merger{feed: feed, sink: sink}
}

// Start subscribes for userID. It is a no-op when already subscribed for the same
// user and tears the old subscription down first when the user changed.
func (m *Merger) Start(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unsubscribe != nil {
		if m.userID == userID {
			return nil
		}
		log.Info().
			Str("previous_user_id", m.userID.String()).
			Str("user_id", userID.String()).
			Msg("session user changed, replacing change subscription")
		m.unsubscribe()
		m.unsubscribe = nil
	}

	unsubscribe, err := m.feed.Subscribe(ctx, userID, func(ev models.ChangeEvent) {
		m.handle(userID, ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	m.userID = userID
	m.unsubscribe = unsubscribe
	log.Info().Str("user_id", userID.String()).Msg("subscribed to state changes")
	return nil
}

// Stop unsubscribes. Safe to call repeatedly.
func (m *Merger) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unsubscribe == nil {
		return
	}
	m.unsubscribe()
	m.unsubscribe = nil
	log.Info().Str("user_id", m.userID.String()).Msg("unsubscribed from state changes")
}

// Subscribed reports whether a subscription is active
func (m *Merger) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribe != nil
}

func (m *Merger) handle(userID uuid.UUID, ev models.ChangeEvent) {
	if ev.UserID != uuid.Nil && ev.UserID != userID {
		m.dropped.Add(1)
		log.Debug().
			Str("user_id", userID.String()).
			Str("event_user_id", ev.UserID.String()).
			Msg("dropping change event for another user")
		return
	}
	if len(ev.Fields) == 0 {
		return
	}

	m.received.Add(1)
	m.sink.MergeEvent(ev)

	log.Debug().
		Str("user_id", userID.String()).
		Str("event_id", ev.ID).
		Int("fields", len(ev.Fields)).
		Msg("merged change event")
}

// Stats returns received and dropped event counts
func (m *Merger) Stats() map[string]interface{} {
	return map[string]interface{}{
		"received":   m.received.Load(),
		"dropped":    m.dropped.Load(),
		"subscribed": m.Subscribed(),
	}
}
