package storage

import (
	"context"
	"errors"
)

// Keys persisted by the client outside in-memory state
const (
	KeyLastBoundary = "last_processed_boundary"
	KeyDisplayMode  = "display_mode"
)

// ErrKeyNotFound is returned by Get when the key has never been written
var ErrKeyNotFound = errors.New("key not found")

// Store is a small string key/value store for client-local state that must survive reloads.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key. Used by session repair.
	Clear(ctx context.Context) error
}
