package boundary

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mcdev12/empire/go/internal/storage"
)

// ID identifies a tick boundary as the absolute minute count since the Unix epoch.
// It never wraps, so day rollover is an ordinary increment.
type ID int64

// Of returns the boundary containing t
func Of(t time.Time) ID {
	sec := t.Unix()
	if sec < 0 && sec%60 != 0 {
		return ID(sec/60 - 1)
	}
	return ID(sec / 60)
}

// Start returns the instant the boundary begins
func (id ID) Start() time.Time {
	return time.Unix(int64(id)*60, 0).UTC()
}

// MinuteOfDay returns hour*60+minute in UTC, the form older clients persisted
func (id ID) MinuteOfDay() int {
	m := int64(id) % (24 * 60)
	if m < 0 {
		m += 24 * 60
	}
	return int(m)
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Marker persists the last processed boundary as a string-encoded integer
type Marker struct {
	store storage.Store
	key   string
}

// NewMarker stores the marker under storage.KeyLastBoundary
func NewMarker(store storage.Store) *Marker {
	return &Marker{store: store, key: storage.KeyLastBoundary}
}

// Load returns the persisted boundary. ok is false when nothing usable is stored.
func (m *Marker) Load(ctx context.Context) (id ID, ok bool, err error) {
	raw, err := m.store.Get(ctx, m.key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load boundary marker: %w", err)
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// a corrupt marker is treated as absent so the next pass fires
		return 0, false, nil
	}
	return ID(v), true, nil
}

// Save persists id
func (m *Marker) Save(ctx context.Context, id ID) error {
	if err := m.store.Set(ctx, m.key, id.String()); err != nil {
		return fmt.Errorf("failed to save boundary marker: %w", err)
	}
	return nil
}
