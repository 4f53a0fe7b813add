package queue

import (
	"testing"

	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDsSequential(t *testing.T) {
	t.Parallel()
	var a IDs

	for want := uint16(1); want <= 3; want++ {
		id, err := a.Next()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 3, a.Len())

	a.Release(1)
	assert.False(t, a.Outstanding(1))
	assert.True(t, a.Outstanding(2))

	// cursor keeps advancing instead of reusing 1 straight away
	id, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(4), id)

	a.Release(1) // already free
	assert.Equal(t, 3, a.Len())
}

func TestIDsWrapSkipsOutstanding(t *testing.T) {
	t.Parallel()
	var a IDs

	first, err := a.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(1), first)

	a.cursor = 65534
	for _, want := range []uint16{65534, 65535, 2, 3} {
		id, err := a.Next()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestIDsFullSpace(t *testing.T) {
	t.Parallel()
	var a IDs

	seen := make(map[uint16]bool, maxIDs)
	for i := 0; i < maxIDs; i++ {
		id, err := a.Next()
		require.NoError(t, err)
		require.NotZero(t, id)
		require.False(t, seen[id], "id %d issued twice while outstanding", id)
		seen[id] = true
	}

	_, err := a.Next()
	assert.Equal(t, model.ErrIdentifierSpaceExhausted, err)

	for id := range seen {
		a.Release(id)
	}
	require.Zero(t, a.Len())

	// every value appears exactly once before any repeats
	again := make(map[uint16]bool, maxIDs)
	for i := 0; i < maxIDs; i++ {
		id, err := a.Next()
		require.NoError(t, err)
		require.False(t, again[id])
		again[id] = true
		a.Release(id)
	}
	assert.Len(t, again, maxIDs)
}

func TestIDsNeverReturnsOutstanding(t *testing.T) {
	t.Parallel()
	var a IDs

	held := map[uint16]bool{}
	for i := 0; i < 1000; i++ {
		id, err := a.Next()
		require.NoError(t, err)
		require.False(t, held[id])
		held[id] = true
		if i%3 == 0 {
			a.Release(id)
			delete(held, id)
		}
	}
	assert.Equal(t, len(held), a.Len())
}
