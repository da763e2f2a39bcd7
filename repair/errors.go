package repair

import (
	"errors"
	"fmt"

	"github.com/caulkdb/caulk/topology"
)

// Sentinel errors for session lifecycle and job control.
var (
	// ErrAborted marks work stopped by explicit cancellation, not by a
	// correctness problem. Never recorded as a converged history entry.
	ErrAborted = errors.New("repair aborted")

	// ErrTimeout is returned by Await when a job is not terminal by the
	// deadline. It does not abort the underlying job.
	ErrTimeout = errors.New("timed out waiting for repair completion")

	// ErrShutdown is returned when the service is stopping and refuses
	// new work.
	ErrShutdown = errors.New("repair service shutting down")

	// ErrSessionNotFound is returned when a message references a session
	// that is not registered.
	ErrSessionNotFound = errors.New("repair session not found")
)

// DuplicateSessionError reports a second insert for a live (peer, id) key.
type DuplicateSessionError struct {
	Peer      topology.Peer
	SessionID uint32
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("duplicate repair session %d from %s", e.SessionID, e.Peer)
}

// SessionMismatchError reports a removal message whose table/range does
// not match the registered session. Guards against stale removals arriving
// after a session was replaced.
type SessionMismatchError struct {
	Peer      topology.Peer
	SessionID uint32
	WantTable string
	GotTable  string
	WantRange topology.Range
	GotRange  topology.Range
}

func (e *SessionMismatchError) Error() string {
	return fmt.Sprintf("repair session %d from %s mismatch: have (%s, %s), removal names (%s, %s)",
		e.SessionID, e.Peer, e.WantTable, e.WantRange, e.GotTable, e.GotRange)
}

// PeerUnreachableError reports a transport-level failure to one peer.
// That peer's portion of the range fails; other peers proceed.
type PeerUnreachableError struct {
	Peer topology.Peer
	Err  error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.Peer, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError reports a schema version disagreement at session
// create time. The peer's exchange fails; repair can be retried after
// schema settles.
type SchemaMismatchError struct {
	Peer   topology.Peer
	Local  string
	Remote string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema version mismatch with %s: local %q, remote %q", e.Peer, e.Local, e.Remote)
}
