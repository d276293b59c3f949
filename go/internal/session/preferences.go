package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/empire/go/internal/storage"
)

// DisplayMode is the UI display preference. It has no bearing on synchronization.
type DisplayMode string

const (
	DisplayStandard DisplayMode = "standard"
	DisplayCompact  DisplayMode = "compact"
	DisplayRetro    DisplayMode = "retro"
)

// Valid reports whether m is a known mode
func (m DisplayMode) Valid() bool {
	switch m {
	case DisplayStandard, DisplayCompact, DisplayRetro:
		return true
	}
	return false
}

// Preferences persists the display preference next to the boundary marker
type Preferences struct {
	kv storage.Store
}

// NewPreferences creates preferences backed by kv
func NewPreferences(kv storage.Store) *Preferences {
	return &Preferences{kv: kv}
}

// DisplayMode returns the stored mode, DisplayStandard when unset or unknown
func (p *Preferences) DisplayMode(ctx context.Context) (DisplayMode, error) {
	raw, err := p.kv.Get(ctx, storage.KeyDisplayMode)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return DisplayStandard, nil
	}
	if err != nil {
		return DisplayStandard, fmt.Errorf("failed to read display mode: %w", err)
	}
	mode := DisplayMode(raw)
	if !mode.Valid() {
		return DisplayStandard, nil
	}
	return mode, nil
}

// SetDisplayMode stores mode
func (p *Preferences) SetDisplayMode(ctx context.Context, mode DisplayMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown display mode: %q", mode)
	}
	if err := p.kv.Set(ctx, storage.KeyDisplayMode, string(mode)); err != nil {
		return fmt.Errorf("failed to store display mode: %w", err)
	}
	return nil
}
