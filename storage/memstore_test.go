package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frag(tok uint64, pk, payload string) Fragment {
	return Fragment{Token: tok, PartitionKey: []byte(pk), Payload: []byte(payload)}
}

func collect(t *testing.T, it Iterator) []Fragment {
	t.Helper()
	defer it.Close()
	var out []Fragment
	for {
		f, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestWriteReadSortedOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for _, f := range []Fragment{frag(30, "c", "3"), frag(10, "a", "1"), frag(20, "b", "2")} {
		require.NoError(t, s.WriteFragment(ctx, "t1", f))
	}

	it, err := s.ReadFragments(ctx, "t1", 0, 100, false)
	require.NoError(t, err)
	got := collect(t, it)

	require.Len(t, got, 3)
	assert.Equal(t, uint64(10), got[0].Token)
	assert.Equal(t, uint64(20), got[1].Token)
	assert.Equal(t, uint64(30), got[2].Token)
}

func TestWriteReplacesSamePosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.WriteFragment(ctx, "t1", frag(10, "a", "old")))
	require.NoError(t, s.WriteFragment(ctx, "t1", frag(10, "a", "new")))

	assert.Equal(t, 1, s.Count("t1"))

	it, err := s.ReadFragments(ctx, "t1", 0, 100, false)
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, "new", string(got[0].Payload))
}

func TestReadRangeBounds(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for tok := uint64(0); tok < 100; tok += 10 {
		require.NoError(t, s.WriteFragment(ctx, "t1", frag(tok, "k", "v")))
	}

	it, err := s.ReadFragments(ctx, "t1", 20, 50, false)
	require.NoError(t, err)
	got := collect(t, it)

	require.Len(t, got, 3) // 20, 30, 40; end is exclusive
	assert.Equal(t, uint64(20), got[0].Token)
	assert.Equal(t, uint64(40), got[2].Token)
}

func TestReadWrappingRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for _, tok := range []uint64{5, 50, ^uint64(0) - 5} {
		require.NoError(t, s.WriteFragment(ctx, "t1", frag(tok, "k", "v")))
	}

	it, err := s.ReadFragments(ctx, "t1", ^uint64(0)-10, 10, true)
	require.NoError(t, err)
	got := collect(t, it)

	require.Len(t, got, 2)
	// Ring tail first, then head.
	assert.Equal(t, ^uint64(0)-5, got[0].Token)
	assert.Equal(t, uint64(5), got[1].Token)
}

func TestTablesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.WriteFragment(ctx, "t1", frag(10, "a", "1")))

	it, err := s.ReadFragments(ctx, "t2", 0, 100, false)
	require.NoError(t, err)
	assert.Empty(t, collect(t, it))
}

func TestFragmentOrdering(t *testing.T) {
	a := Fragment{Token: 1, PartitionKey: []byte("a"), ClusteringKey: []byte("x")}
	b := Fragment{Token: 1, PartitionKey: []byte("a"), ClusteringKey: []byte("y")}
	c := Fragment{Token: 1, PartitionKey: []byte("b")}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.True(t, a.SamePosition(a))
	assert.False(t, a.SamePosition(b))
}
