package store

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(map[string]json.RawMessage{"seeded": json.RawMessage(`["A"]`)})

	got, err := s.Load(ctx, "seeded")
	require.NoError(t, err)
	assert.JSONEq(t, `["A"]`, string(got))

	got, err = s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, "doc", json.RawMessage(`[1]`)))
	require.NoError(t, s.Save(ctx, "doc", json.RawMessage(`[1,2]`)))
	got, err = s.Load(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(got))
	assert.Equal(t, 2, s.Saves("doc"))
	assert.Equal(t, 2, s.Count())

	require.NoError(t, s.Delete(ctx, "doc"))
	require.NoError(t, s.Delete(ctx, "doc"))
	assert.Equal(t, 0, s.Saves("doc"))
	assert.Equal(t, 1, s.Count())
}

func TestMemoryStore_CopiesContent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	buf := []byte(`["A"]`)
	require.NoError(t, s.Save(ctx, "doc", buf))
	buf[2] = 'Z'

	got, err := s.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, `["A"]`, string(got))

	got[2] = 'Q'
	again, _ := s.Load(ctx, "doc")
	assert.Equal(t, `["A"]`, string(again))
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.Close())

	_, err := s.Load(ctx, "doc")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Save(ctx, "doc", json.RawMessage(`[]`)), ErrStoreClosed)
	assert.ErrorIs(t, s.Delete(ctx, "doc"), ErrStoreClosed)
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	h := Hooks(s)

	require.NoError(t, h.Save(ctx, "doc", json.RawMessage(`["x"]`)))
	got, err := h.Load(ctx, "doc", url.Values{"token": {"t"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["x"]`, string(got))

	got, err = h.Load(ctx, "other", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
