package sqlutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullTime(t *testing.T) {
	assert.False(t, ToNullTime(time.Time{}).Valid)

	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	nt := ToNullTime(now)
	assert.True(t, nt.Valid)
	assert.Equal(t, now, FromNullTime(nt))
	assert.True(t, FromNullTime(ToNullTime(time.Time{})).IsZero())
}

func TestNullRawMessage(t *testing.T) {
	raw, err := ToNullRawMessage(map[string]any{"gold": 150})
	require.NoError(t, err)
	assert.True(t, raw.Valid)

	var out map[string]any
	require.NoError(t, FromNullRawMessage(raw, &out))
	assert.Equal(t, 150.0, out["gold"])

	null, err := ToNullRawMessage(nil)
	require.NoError(t, err)
	assert.False(t, null.Valid)

	out = nil
	require.NoError(t, FromNullRawMessage(null, &out))
	assert.Nil(t, out)
}
