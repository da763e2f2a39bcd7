package topology

import "sync"

// Placement answers ownership questions for repair work-item computation.
// *Ring satisfies it; tests substitute fixed answers.
type Placement interface {
	OwnersOf(rng Range) []Peer
	RangesOwnedBy(nodeID uint64) []Range
	AllRanges() []Range
}

// PeerEventKind classifies liveness/address events.
type PeerEventKind int

const (
	PeerUp PeerEventKind = iota
	PeerDown
	PeerAddressChanged
)

// PeerEvent is delivered to liveness subscribers.
type PeerEvent struct {
	Kind PeerEventKind
	Peer Peer
}

// Liveness reports peer reachability. The gossip-based failure detector
// behind it is an external collaborator; repair only consumes this view.
type Liveness interface {
	IsAlive(nodeID uint64) bool
	// Subscribe registers a callback for peer events and returns an
	// unsubscribe function.
	Subscribe(fn func(PeerEvent)) func()
}

// StaticLiveness is a Liveness backed by an explicit alive set. The
// embedded deployment and tests drive it directly; a gossip adapter can
// feed it from endpoint state changes.
type StaticLiveness struct {
	mu     sync.RWMutex
	alive  map[uint64]bool
	nextID int
	subs   map[int]func(PeerEvent)
}

// NewStaticLiveness creates a liveness view with every node considered
// dead until marked up.
func NewStaticLiveness() *StaticLiveness {
	return &StaticLiveness{
		alive: make(map[uint64]bool),
		subs:  make(map[int]func(PeerEvent)),
	}
}

func (l *StaticLiveness) IsAlive(nodeID uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.alive[nodeID]
}

func (l *StaticLiveness) Subscribe(fn func(PeerEvent)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// MarkUp marks a peer alive and notifies subscribers.
func (l *StaticLiveness) MarkUp(p Peer) {
	l.mu.Lock()
	l.alive[p.NodeID] = true
	subs := l.snapshotSubs()
	l.mu.Unlock()

	for _, fn := range subs {
		fn(PeerEvent{Kind: PeerUp, Peer: p})
	}
}

// MarkDown marks a peer dead and notifies subscribers. The repair service
// purges all sessions for a peer on this event.
func (l *StaticLiveness) MarkDown(p Peer) {
	l.mu.Lock()
	l.alive[p.NodeID] = false
	subs := l.snapshotSubs()
	l.mu.Unlock()

	for _, fn := range subs {
		fn(PeerEvent{Kind: PeerDown, Peer: p})
	}
}

// AddressChanged notifies subscribers that a peer moved to a new address.
func (l *StaticLiveness) AddressChanged(p Peer) {
	l.mu.RLock()
	subs := l.snapshotSubs()
	l.mu.RUnlock()

	for _, fn := range subs {
		fn(PeerEvent{Kind: PeerAddressChanged, Peer: p})
	}
}

// snapshotSubs must be called with at least the read lock held.
func (l *StaticLiveness) snapshotSubs() []func(PeerEvent) {
	out := make([]func(PeerEvent), 0, len(l.subs))
	for _, fn := range l.subs {
		out = append(out, fn)
	}
	return out
}
