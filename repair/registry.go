package repair

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/telemetry"
	"github.com/caulkdb/caulk/topology"
)

// sessionKey addresses a live session. Session ids are unique per
// originating node, so the pair is unique cluster-wide.
type sessionKey struct {
	NodeID    uint64
	SessionID uint32
}

// SessionRegistry tracks live repair sessions keyed by (peer, session id)
// and enforces at-most-one live session per key. It also owns the
// monotonic session id counter: ids are only ever allocated here, never
// generated independently by concurrent actors.
type SessionRegistry struct {
	sessions *xsync.MapOf[sessionKey, *Session]
	nextID   atomic.Uint32
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: xsync.NewMapOf[sessionKey, *Session](),
	}
}

// NextSessionID allocates the next session id. Monotonic for the lifetime
// of this node.
func (r *SessionRegistry) NextSessionID() uint32 {
	return r.nextID.Add(1)
}

// Insert registers a session. Exactly one of two concurrent inserts for
// the same key succeeds; the other observes DuplicateSessionError.
func (r *SessionRegistry) Insert(s *Session) error {
	key := sessionKey{NodeID: s.Peer.NodeID, SessionID: s.ID}
	if _, loaded := r.sessions.LoadOrStore(key, s); loaded {
		telemetry.SessionInsertsTotal.With("duplicate").Inc()
		return &DuplicateSessionError{Peer: s.Peer, SessionID: s.ID}
	}

	telemetry.SessionInsertsTotal.With("ok").Inc()
	telemetry.ActiveSessions.Inc()
	log.Debug().
		Uint64("peer", s.Peer.NodeID).
		Uint32("session_id", s.ID).
		Str("table", s.Table).
		Stringer("range", s.Range).
		Stringer("role", s.Role).
		Msg("Repair session registered")
	return nil
}

// Get returns the live session for the key.
func (r *SessionRegistry) Get(peer topology.Peer, sessionID uint32) (*Session, bool) {
	return r.sessions.Load(sessionKey{NodeID: peer.NodeID, SessionID: sessionID})
}

// Remove deregisters a session after validating that the caller is
// removing the session it thinks it is. A stale removal naming a
// different table or range fails with SessionMismatchError and leaves the
// registered session authoritative.
func (r *SessionRegistry) Remove(peer topology.Peer, sessionID uint32, table string, rng topology.Range) error {
	key := sessionKey{NodeID: peer.NodeID, SessionID: sessionID}

	s, ok := r.sessions.Load(key)
	if !ok {
		// Already removed, e.g. by a peer-down purge racing the removal
		// message. Removal is idempotent.
		telemetry.SessionRemovalsTotal.With("not_found").Inc()
		log.Debug().
			Uint64("peer", peer.NodeID).
			Uint32("session_id", sessionID).
			Msg("Removal for unknown repair session ignored")
		return nil
	}

	if s.Table != table || s.Range != rng {
		telemetry.SessionRemovalsTotal.With("mismatch").Inc()
		return &SessionMismatchError{
			Peer:      peer,
			SessionID: sessionID,
			WantTable: s.Table,
			GotTable:  table,
			WantRange: s.Range,
			GotRange:  rng,
		}
	}

	if _, deleted := r.sessions.LoadAndDelete(key); deleted {
		s.close()
		telemetry.SessionRemovalsTotal.With("ok").Inc()
		telemetry.ActiveSessions.Dec()
	}
	return nil
}

// RemoveAllForPeer purges every session for a peer. Used when the peer is
// declared unreachable. Idempotent: a second call is a no-op.
func (r *SessionRegistry) RemoveAllForPeer(nodeID uint64) int {
	removed := 0
	r.sessions.Range(func(key sessionKey, s *Session) bool {
		if key.NodeID == nodeID {
			if _, deleted := r.sessions.LoadAndDelete(key); deleted {
				s.close()
				removed++
				telemetry.ActiveSessions.Dec()
			}
		}
		return true
	})

	if removed > 0 {
		log.Info().
			Uint64("peer", nodeID).
			Int("sessions", removed).
			Msg("Purged repair sessions for peer")
	}
	return removed
}

// RemoveAll purges everything. Used on service shutdown.
func (r *SessionRegistry) RemoveAll() int {
	removed := 0
	r.sessions.Range(func(key sessionKey, s *Session) bool {
		if _, deleted := r.sessions.LoadAndDelete(key); deleted {
			s.close()
			removed++
			telemetry.ActiveSessions.Dec()
		}
		return true
	})
	return removed
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	return r.sessions.Size()
}
