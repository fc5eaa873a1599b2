package behavior

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cadence/internal/testutil"
)

func count(t *testing.T, data json.RawMessage) int {
	t.Helper()
	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &items))
	return len(items)
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	keys := json.RawMessage(`[{"type":"keydown","key":"a","timestamp":1},{"type":"keyup","key":"a","timestamp":90}]`)
	moves := json.RawMessage(`[{"type":"mousemove","x":1,"y":2,"timestamp":5}]`)

	require.NoError(t, s.SaveSample(ctx, 1, "s-1", keys, moves, 0.2))
	require.NoError(t, s.SaveSample(ctx, 1, "s-1", keys, nil, 0.4))
	require.NoError(t, s.SaveSample(ctx, 1, "s-2", nil, moves, 0.1))
	require.NoError(t, s.SaveSample(ctx, 2, "s-3", keys, moves, 0.3))

	history, err := s.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "s-2", history[0].SessionID, "most recently updated first")

	merged := history[1]
	assert.Equal(t, "s-1", merged.SessionID)
	assert.Equal(t, 4, count(t, merged.KeystrokeData), "keystrokes accumulate")
	assert.Equal(t, 1, count(t, merged.MouseData))
	assert.InDelta(t, 0.4, merged.RiskScore, 1e-9, "latest risk wins")

	assert.Equal(t, 0, count(t, history[0].KeystrokeData))

	limited, err := s.GetHistory(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	all, err := s.ListSamples(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	err = s.SaveSample(ctx, 2, "s-1", keys, nil, 0.9)
	assert.ErrorIs(t, err, ErrSessionOwner)

	err = s.SaveSample(ctx, 1, "s-4", json.RawMessage(`{"not":"an array"}`), nil, 0)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	exerciseStore(t, s)
}

func TestConcat(t *testing.T) {
	out, err := concat(json.RawMessage(`[1,2]`), json.RawMessage(`[3]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(out))

	out, err = concat(json.RawMessage(`[1]`), emptyArray)
	require.NoError(t, err)
	assert.JSONEq(t, `[1]`, string(out))
}
