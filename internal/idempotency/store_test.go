package idempotency

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Deterministic(t *testing.T) {
	data := map[string]interface{}{"server": "srv-1", "attempt": 2, "paths": []string{"/a", "/b"}}

	k1, err := Key("inc-1", "FIX_ATTEMPT", 2, data)
	require.NoError(t, err)
	k2, err := Key("inc-1", "FIX_ATTEMPT", 2, data)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// Map insertion order must not matter.
	reordered := map[string]interface{}{"paths": []string{"/a", "/b"}, "attempt": 2, "server": "srv-1"}
	k3, err := Key("inc-1", "FIX_ATTEMPT", 2, reordered)
	require.NoError(t, err)
	assert.Equal(t, k1, k3, "canonical JSON ignores map ordering")
}

func TestKey_StructAndMapAgree(t *testing.T) {
	type jobData struct {
		Server  string `json:"server"`
		Attempt int    `json:"attempt"`
	}
	k1, err := Key("inc-1", "BACKUP", 0, jobData{Server: "srv-1", Attempt: 1})
	require.NoError(t, err)
	k2, err := Key("inc-1", "BACKUP", 0, map[string]interface{}{"server": "srv-1", "attempt": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestKey_AnyDifferenceChangesKey(t *testing.T) {
	base, _ := Key("inc-1", "VERIFY", 1, map[string]interface{}{"x": "y"})

	variants := []struct {
		incident string
		state    string
		attempt  int
		data     interface{}
	}{
		{"inc-2", "VERIFY", 1, map[string]interface{}{"x": "y"}},
		{"inc-1", "BACKUP", 1, map[string]interface{}{"x": "y"}},
		{"inc-1", "VERIFY", 2, map[string]interface{}{"x": "y"}},
		{"inc-1", "VERIFY", 1, map[string]interface{}{"x": "z"}},
		{"inc-1", "VERIFY", 1, nil},
	}
	for _, v := range variants {
		k, err := Key(v.incident, v.state, v.attempt, v.data)
		require.NoError(t, err)
		assert.NotEqual(t, base, k, "variant %+v must produce a different key", v)
	}
}

func TestRunOnce_MemoisesSideEffects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}

	key, err := Key("inc-1", "BACKUP", 1, map[string]interface{}{"path": "/var/www"})
	require.NoError(t, err)

	result, replayed, err := RunOnce(ctx, store, key, fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, 1, calls)

	// Identical enqueue returns the recorded result without re-executing.
	result, replayed, err = RunOnce(ctx, store, key, fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, 1, calls, "side effects must not re-run")

	// One differing byte of job data: side effects run exactly once more.
	key2, err := Key("inc-1", "BACKUP", 1, map[string]interface{}{"path": "/var/wwx"})
	require.NoError(t, err)
	_, replayed, err = RunOnce(ctx, store, key2, fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}

func TestRunOnce_ErrorsAreNotMemoised(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	calls := 0
	failing := func(context.Context) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, assert.AnError
		}
		return json.RawMessage(`"recovered"`), nil
	}

	_, _, err := RunOnce(ctx, store, "k", failing)
	require.Error(t, err)

	result, replayed, err := RunOnce(ctx, store, "k", failing)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, `"recovered"`, string(result))
	assert.Equal(t, 2, calls, "a failed job may retry")
}

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "k", json.RawMessage(`1`)))
	require.NoError(t, store.Put(ctx, "k", json.RawMessage(`2`)))

	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, `1`, string(rec.Result))
}
