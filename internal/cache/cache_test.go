package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutRequiresHandle(t *testing.T) {
	c := New()
	assert.False(t, c.Put(1, "password", map[string]any{"k": "v"}))
	_, ok := c.Get(1, "password")
	assert.False(t, ok)
}

func TestLastReleaseReclaimsEntries(t *testing.T) {
	c := New()
	first := c.Acquire(1)
	second := c.Acquire(1)
	other := c.Acquire(2)

	require.True(t, c.Put(1, "password", map[string]any{"k": "v"}))
	require.True(t, c.Put(1, "oauth2", map[string]any{"token": "t"}))
	require.True(t, c.Put(2, "password", map[string]any{"k": "w"}))
	assert.Equal(t, 3, c.Len())

	first.Release()
	first.Release()
	got, ok := c.Get(1, "password")
	require.True(t, ok, "second handle still pins the identity")
	assert.Equal(t, map[string]any{"k": "v"}, got)

	second.Release()
	_, ok = c.Get(1, "password")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	other.Release()
	assert.Zero(t, c.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	c := New()
	h := c.Acquire(1)
	defer h.Release()

	c.Put(1, "m", map[string]any{"k": "v"})
	got, _ := c.Get(1, "m")
	got["k"] = "changed"

	again, _ := c.Get(1, "m")
	assert.Equal(t, "v", again["k"])
}

func TestInvalidate(t *testing.T) {
	c := New()
	h := c.Acquire(1)
	defer h.Release()

	c.Put(1, "a", map[string]any{})
	c.Put(1, "b", map[string]any{})
	c.InvalidateMethod(1, "a")
	assert.Equal(t, 1, c.Len())

	c.Invalidate(1)
	assert.Zero(t, c.Len())
	assert.True(t, c.Put(1, "a", map[string]any{}), "invalidate keeps the pin")

	c.Clear()
	assert.Zero(t, c.Len())
}
