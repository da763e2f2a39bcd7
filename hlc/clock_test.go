package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockMonotonic(t *testing.T) {
	c := NewClock(1)
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		ts := c.Now()
		require.True(t, Less(prev, ts), "timestamps must strictly increase")
		prev = ts
	}
}

func TestUpdateAdvancesPastRemote(t *testing.T) {
	c := NewClock(1)
	local := c.Now()

	remote := Timestamp{WallTime: local.WallTime + int64(1e15), Logical: 7, NodeID: 2}
	updated := c.Update(remote)

	assert.True(t, After(updated, remote), "updated clock must dominate remote")
	assert.True(t, After(updated, local))
	assert.True(t, After(c.Now(), updated))
}

func TestCompareTiebreakers(t *testing.T) {
	a := Timestamp{WallTime: 100, Logical: 1, NodeID: 1}
	b := Timestamp{WallTime: 100, Logical: 2, NodeID: 1}
	assert.Equal(t, -1, Compare(a, b))

	b.Logical = 1
	b.NodeID = 2
	assert.Equal(t, -1, Compare(a, b))

	b.NodeID = 1
	assert.Equal(t, 0, Compare(a, b))
}

func TestMax(t *testing.T) {
	a := Timestamp{WallTime: 100}
	b := Timestamp{WallTime: 200}
	assert.Equal(t, b, Max(a, b))
	assert.Equal(t, b, Max(b, a))
}

func TestZero(t *testing.T) {
	assert.True(t, Zero.IsZero())
	assert.False(t, NewClock(1).Now().IsZero())
}
