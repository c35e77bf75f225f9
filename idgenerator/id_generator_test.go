package idgenerator

import (
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("first Next returns 1 when starting at 0", func(t *testing.T) {
		gen := NewIdGenerator(0)
		id, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, uint32(1), id)
	})

	t.Run("first Next returns startValue+1", func(t *testing.T) {
		gen := NewIdGenerator(100)
		id, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, uint32(101), id)
	})

	t.Run("Last reports the start value before any Next", func(t *testing.T) {
		gen := NewIdGenerator(41)
		assert.Equal(t, uint32(41), gen.Last())
	})
}

func TestIdGenerator_Next_sequential(t *testing.T) {
	gen := NewIdGenerator(0)
	for want := uint32(1); want <= 10; want++ {
		got, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, want, gen.Last())
	}
}

func TestIdGenerator_Next_exhausted(t *testing.T) {
	gen := NewIdGenerator(math.MaxUint32 - 1)

	id, err := gen.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), id)

	_, err = gen.Next()
	assert.ErrorIs(t, err, ErrExhausted)

	// still exhausted, never wraps to zero
	_, err = gen.Next()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, uint32(math.MaxUint32), gen.Last())
}

func TestIdGenerator_Next_concurrent(t *testing.T) {
	gen := NewIdGenerator(0)
	const n = 500

	ids := make([]uint32, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			id, err := gen.Next()
			assert.NoError(t, err)
			ids[idx] = id
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		assert.Equal(t, uint32(i+1), id)
	}
}
