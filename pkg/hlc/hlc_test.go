package hlc

import (
	"testing"

	"github.com/cuemby/scenemesh/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTickAdvancesMonotonically(t *testing.T) {
	c := New()

	a := c.Tick(10)
	assert.Equal(t, uint64(11), a.L)
	assert.Equal(t, uint32(0), a.C)

	b := c.Tick(10)
	assert.Equal(t, a.L, b.L)
	assert.Equal(t, a.C+1, b.C)

	d := c.Tick(20)
	assert.Equal(t, uint64(21), d.L)
	assert.Equal(t, uint32(0), d.C)
}

func TestJoinAdvancesPastRemote(t *testing.T) {
	c := New()
	c.Tick(5) // last = {6, 0}

	joined := c.Join(types.HLC{L: 100, C: 3}, 5)
	assert.Equal(t, uint64(100), joined.L)
	assert.Equal(t, uint32(4), joined.C)
}

func TestJoinPrefersLocalWhenAhead(t *testing.T) {
	c := New()
	c.Tick(50) // last = {51, 0}

	joined := c.Join(types.HLC{L: 10, C: 9}, 5)
	assert.Equal(t, uint64(51), joined.L)
	assert.Equal(t, uint32(1), joined.C)
}

func TestJoinBumpsCounterWhenLAndRemoteTie(t *testing.T) {
	c := New()
	c.Tick(99) // last = {100, 0}

	joined := c.Join(types.HLC{L: 100, C: 0}, 5)
	assert.Equal(t, uint64(100), joined.L)
	assert.Equal(t, uint32(1), joined.C)
}

func TestObserveDoesNotAdvance(t *testing.T) {
	c := New()
	c.Tick(10)
	before := c.Observe()
	after := c.Observe()
	assert.Equal(t, before, after)
}

func TestDiffSaturatesAtZero(t *testing.T) {
	assert.Equal(t, uint64(5), Diff(types.HLC{L: 10}, types.HLC{L: 5}))
	assert.Equal(t, uint64(0), Diff(types.HLC{L: 5}, types.HLC{L: 10}))
	assert.Equal(t, uint64(0), Diff(types.HLC{L: 5}, types.HLC{L: 5}))
}

func TestHLCCompareAndLess(t *testing.T) {
	a := types.HLC{L: 1, C: 0}
	b := types.HLC{L: 1, C: 1}
	c := types.HLC{L: 2, C: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, a.Compare(a))
}
