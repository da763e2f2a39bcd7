package repair

import (
	"sync"
	"time"

	"github.com/caulkdb/caulk/storage"
	"github.com/caulkdb/caulk/topology"
	"github.com/caulkdb/caulk/transport"
)

// Role distinguishes the session side. The coordinator drives the
// exchange; the follower answers hash and row requests.
type Role uint8

const (
	RoleCoordinator Role = iota
	RoleFollower
)

func (r Role) String() string {
	if r == RoleCoordinator {
		return "coordinator"
	}
	return "follower"
}

// Session is the ephemeral state for one (table, range, peer) repair
// exchange. Identity fields are fixed at create time and immutable for
// the session's lifetime.
type Session struct {
	Peer          topology.Peer // the remote side of the exchange
	ID            uint32
	Table         string
	Range         topology.Range
	Role          Role
	Algorithm     transport.DiffAlgorithm
	MaxRowBufSize int64
	Seed          uint64
	Shard         transport.ShardConfig
	SchemaVersion string
	Reason        transport.Reason
	CreatedAt     time.Time

	hasher *Hasher

	// Follower-side working set: rows hashed for the last window, kept so
	// a subsequent GetRows by hash can serve full content. Guarded by the
	// memory budget acquired for the window.
	mu         sync.Mutex
	workingSet map[uint64]storage.Fragment
	guard      *MemoryGuard
}

func newSession(peer topology.Peer, id uint32, req transport.SessionCreateRequest, role Role) *Session {
	return &Session{
		Peer:          peer,
		ID:            id,
		Table:         req.Table,
		Range:         req.Range,
		Role:          role,
		Algorithm:     req.Algorithm,
		MaxRowBufSize: req.MaxRowBufSize,
		Seed:          req.Seed,
		Shard:         req.Shard,
		SchemaVersion: req.SchemaVersion,
		Reason:        req.Reason,
		CreatedAt:     time.Now(),
		hasher:        NewHasher(req.Seed),
	}
}

// setWorkingSet replaces the follower's hashed-row window. The previous
// window's budget is released first so the session never holds two
// windows at once.
func (s *Session) setWorkingSet(rows map[uint64]storage.Fragment, guard *MemoryGuard) {
	s.mu.Lock()
	prev := s.guard
	s.workingSet = rows
	s.guard = guard
	s.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
}

// lookupRows returns the fragments for the requested hashes, in storage
// order, skipping hashes not present in the working set.
func (s *Session) lookupRows(hashes []uint64) []storage.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.Fragment, 0, len(hashes))
	for _, h := range hashes {
		if frag, ok := s.workingSet[h]; ok {
			out = append(out, frag)
		}
	}
	sortFragments(out)
	return out
}

// close releases any held memory budget. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	guard := s.guard
	s.guard = nil
	s.workingSet = nil
	s.mu.Unlock()

	if guard != nil {
		guard.Release()
	}
}

func sortFragments(frags []storage.Fragment) {
	// Insertion sort: windows are small and usually already ordered.
	for i := 1; i < len(frags); i++ {
		for j := i; j > 0 && frags[j].Less(frags[j-1]); j-- {
			frags[j], frags[j-1] = frags[j-1], frags[j]
		}
	}
}
