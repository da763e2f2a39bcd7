package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeer(id uint64) Peer {
	return Peer{NodeID: id, Addr: "node", Datacenter: "dc1", Rack: "rack1"}
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: 100, End: 200}
	assert.True(t, r.Contains(100))
	assert.True(t, r.Contains(199))
	assert.False(t, r.Contains(200))
	assert.False(t, r.Contains(99))

	wrap := Range{Start: ^uint64(0) - 10, End: 10}
	assert.True(t, wrap.IsWrapping())
	assert.True(t, wrap.Contains(^uint64(0)))
	assert.True(t, wrap.Contains(5))
	assert.False(t, wrap.Contains(11))
}

func TestRingRangesCoverEveryToken(t *testing.T) {
	ring := NewRing(3, 8)
	for id := uint64(1); id <= 4; id++ {
		ring.AddPeer(testPeer(id))
	}

	ranges := ring.AllRanges()
	require.Len(t, ranges, 4*8)

	for _, probe := range []Token{0, 1 << 20, 1 << 40, ^uint64(0)} {
		hits := 0
		for _, rng := range ranges {
			if rng.Contains(probe) {
				hits++
			}
		}
		assert.Equal(t, 1, hits, "token %d must fall in exactly one range", probe)
	}
}

func TestOwnersOfDistinctAndBounded(t *testing.T) {
	ring := NewRing(3, 16)
	for id := uint64(1); id <= 5; id++ {
		ring.AddPeer(testPeer(id))
	}

	for _, rng := range ring.AllRanges() {
		owners := ring.OwnersOf(rng)
		require.Len(t, owners, 3)
		seen := map[uint64]bool{}
		for _, p := range owners {
			assert.False(t, seen[p.NodeID], "owners must be distinct")
			seen[p.NodeID] = true
		}
	}
}

func TestOwnersOfFewerNodesThanReplicas(t *testing.T) {
	ring := NewRing(3, 8)
	ring.AddPeer(testPeer(1))
	ring.AddPeer(testPeer(2))

	owners := ring.OwnersOf(Range{Start: 42, End: 43})
	assert.Len(t, owners, 2)
}

func TestRangesOwnedByAndPrimaryRanges(t *testing.T) {
	ring := NewRing(2, 8)
	for id := uint64(1); id <= 3; id++ {
		ring.AddPeer(testPeer(id))
	}

	owned := ring.RangesOwnedBy(1)
	primary := ring.PrimaryRangesOf(1)
	require.NotEmpty(t, owned)
	require.NotEmpty(t, primary)
	assert.Less(t, len(primary), len(owned)+1)

	// Every primary range is also an owned range.
	ownedSet := map[Range]bool{}
	for _, r := range owned {
		ownedSet[r] = true
	}
	for _, r := range primary {
		assert.True(t, ownedSet[r])
	}
}

func TestRemovePeerShiftsOwnership(t *testing.T) {
	ring := NewRing(2, 8)
	for id := uint64(1); id <= 3; id++ {
		ring.AddPeer(testPeer(id))
	}

	rng := ring.AllRanges()[0]
	before := ring.OwnersOf(rng)

	ring.RemovePeer(before[0].NodeID)
	after := ring.OwnersOf(rng)
	for _, p := range after {
		assert.NotEqual(t, before[0].NodeID, p.NodeID)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ring := NewRing(2, 8)
	ring.AddPeer(testPeer(1))
	ring.AddPeer(testPeer(2))

	future := ring.Clone()
	future.RemovePeer(2)

	assert.Equal(t, 2, ring.Count())
	assert.Equal(t, 1, future.Count())
}

func TestAddPeerAtExplicitTokens(t *testing.T) {
	ring := NewRing(1, 4)
	ring.AddPeer(testPeer(1))
	ring.AddPeerAt(testPeer(9), []Token{0, 1 << 32})

	owners := ring.OwnersOf(Range{Start: 0, End: 1})
	require.Len(t, owners, 1)
	assert.Equal(t, uint64(9), owners[0].NodeID)
}

func TestStaticLivenessEvents(t *testing.T) {
	lv := NewStaticLiveness()
	var events []PeerEvent
	unsub := lv.Subscribe(func(ev PeerEvent) { events = append(events, ev) })

	lv.MarkUp(testPeer(1))
	assert.True(t, lv.IsAlive(1))
	lv.MarkDown(testPeer(1))
	assert.False(t, lv.IsAlive(1))

	require.Len(t, events, 2)
	assert.Equal(t, PeerUp, events[0].Kind)
	assert.Equal(t, PeerDown, events[1].Kind)

	unsub()
	lv.MarkUp(testPeer(1))
	assert.Len(t, events, 2)
}
