package topology

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Ring implements consistent hashing with virtual nodes and answers the
// placement questions repair needs: which peers own a range, and which
// ranges a node owns.
type Ring struct {
	replicas int // Replication factor (N)
	vnodes   int // Virtual nodes per physical node

	mu      sync.RWMutex
	tokens  []Token         // Sorted vnode positions
	ringMap map[Token]uint64 // vnode position -> node id
	peers   map[uint64]Peer
}

// NewRing creates a ring with the given replication factor and virtual
// node count.
func NewRing(replicas, vnodes int) *Ring {
	return &Ring{
		replicas: replicas,
		vnodes:   vnodes,
		ringMap:  make(map[Token]uint64),
		peers:    make(map[uint64]Peer),
	}
}

// AddPeer adds a physical node to the ring at its derived vnode positions.
func (r *Ring) AddPeer(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.NodeID]; ok {
		return
	}
	r.addLocked(p, r.vnodeTokens(p.NodeID))
}

// AddPeerAt adds a node at explicit token positions. Bootstrap and replace
// hand their assigned tokens in directly.
func (r *Ring) AddPeerAt(p Peer, tokens []Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.NodeID]; ok {
		return
	}
	r.addLocked(p, tokens)
}

func (r *Ring) addLocked(p Peer, tokens []Token) {
	r.peers[p.NodeID] = p
	for _, tok := range tokens {
		r.tokens = append(r.tokens, tok)
		r.ringMap[tok] = p.NodeID
	}
	sort.Slice(r.tokens, func(i, j int) bool { return r.tokens[i] < r.tokens[j] })
}

// RemovePeer removes a node and its vnodes from the ring.
func (r *Ring) RemovePeer(nodeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[nodeID]; !ok {
		return
	}
	delete(r.peers, nodeID)

	kept := r.tokens[:0]
	for _, tok := range r.tokens {
		if r.ringMap[tok] == nodeID {
			delete(r.ringMap, tok)
		} else {
			kept = append(kept, tok)
		}
	}
	r.tokens = kept
}

// Peers returns all physical nodes on the ring.
func (r *Ring) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Peer returns the peer with the given node id.
func (r *Ring) Peer(nodeID uint64) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	return p, ok
}

// Count returns the number of physical nodes.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// AllRanges splits the ring into the half-open intervals between adjacent
// vnode positions. Every token belongs to exactly one returned range.
func (r *Ring) AllRanges() []Range {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allRangesLocked()
}

func (r *Ring) allRangesLocked() []Range {
	n := len(r.tokens)
	if n == 0 {
		return nil
	}
	ranges := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		start := r.tokens[i]
		end := r.tokens[(i+1)%n]
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// OwnersOf returns the ordered replica set for a range: the first
// replicas distinct physical nodes at or after the range start.
func (r *Ring) OwnersOf(rng Range) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownersLocked(rng.Start)
}

func (r *Ring) ownersLocked(tok Token) []Peer {
	n := len(r.tokens)
	if n == 0 {
		return nil
	}

	idx := sort.Search(n, func(i int) bool { return r.tokens[i] >= tok })
	if idx >= n {
		idx = 0
	}

	owners := make([]Peer, 0, r.replicas)
	seen := make(map[uint64]bool, r.replicas)
	for len(owners) < r.replicas && len(owners) < len(r.peers) {
		nodeID := r.ringMap[r.tokens[idx]]
		if !seen[nodeID] {
			owners = append(owners, r.peers[nodeID])
			seen[nodeID] = true
		}
		idx = (idx + 1) % n
	}
	return owners
}

// RangesOwnedBy returns every ring range whose replica set includes the
// given node.
func (r *Ring) RangesOwnedBy(nodeID uint64) []Range {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var owned []Range
	for _, rng := range r.allRangesLocked() {
		for _, p := range r.ownersLocked(rng.Start) {
			if p.NodeID == nodeID {
				owned = append(owned, rng)
				break
			}
		}
	}
	return owned
}

// PrimaryRangesOf returns the ranges for which the node is the first
// replica. Used by primary-range-only repair to avoid repairing every
// range replication-factor times cluster-wide.
func (r *Ring) PrimaryRangesOf(nodeID uint64) []Range {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var owned []Range
	for _, rng := range r.allRangesLocked() {
		owners := r.ownersLocked(rng.Start)
		if len(owners) > 0 && owners[0].NodeID == nodeID {
			owned = append(owned, rng)
		}
	}
	return owned
}

// Clone returns a deep copy of the ring. Node operations compute "future"
// topologies on a clone without disturbing the live ring.
func (r *Ring) Clone() *Ring {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := NewRing(r.replicas, r.vnodes)
	c.tokens = append([]Token(nil), r.tokens...)
	for k, v := range r.ringMap {
		c.ringMap[k] = v
	}
	for k, v := range r.peers {
		c.peers[k] = v
	}
	return c
}

// vnodeTokens derives the vnode positions for a node id.
func (r *Ring) vnodeTokens(nodeID uint64) []Token {
	tokens := make([]Token, r.vnodes)
	for i := 0; i < r.vnodes; i++ {
		tokens[i] = xxhash.Sum64String(fmt.Sprintf("%d:%d", nodeID, i))
	}
	return tokens
}
