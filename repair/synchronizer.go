package repair

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/hlc"
	"github.com/caulkdb/caulk/storage"
	"github.com/caulkdb/caulk/telemetry"
	"github.com/caulkdb/caulk/topology"
	"github.com/caulkdb/caulk/transport"
)

// Outcome is the terminal state of one range synchronization.
type Outcome uint8

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RangeSyncResult reports how a range synchronization ended. PeerErrors
// holds the per-peer failures; sibling peers still ran to completion.
type RangeSyncResult struct {
	Outcome      Outcome
	PeerErrors   map[uint64]error
	RowsSent     int
	RowsReceived int
}

// SynchronizerConfig carries the dependencies a RangeSynchronizer drives.
type SynchronizerConfig struct {
	Self          topology.Peer
	Registry      *SessionRegistry
	Limiter       *MemoryLimiter
	Transport     transport.Transport
	Store         storage.Store
	Clock         *hlc.Clock
	History       *HistoryStore
	SchemaVersion string
	RowBufSize    int64
	Algorithm     transport.DiffAlgorithm
	Shard         transport.ShardConfig
}

// RangeSynchronizer reconciles one token range at a time between this
// node and a set of peers: it establishes per-peer sessions, walks the
// range in memory-bounded windows of seeded row fingerprints, exchanges
// full rows only where fingerprints diverge, and records history once
// every peer has converged.
type RangeSynchronizer struct {
	cfg SynchronizerConfig
}

// NewRangeSynchronizer creates a synchronizer over the given dependencies.
func NewRangeSynchronizer(cfg SynchronizerConfig) *RangeSynchronizer {
	return &RangeSynchronizer{cfg: cfg}
}

// peerState tracks one follower over the course of a range sync.
type peerState struct {
	peer      topology.Peer
	sessionID uint32
	session   *Session
	err       error
}

func (p *peerState) alive() bool {
	return p.err == nil
}

// SyncRange drives the full exchange for (table, rng) against peers.
// A failure on one peer does not stop the others; explicit cancellation
// of ctx aborts everything and yields OutcomeAborted.
func (rs *RangeSynchronizer) SyncRange(
	ctx context.Context,
	roundID uint64,
	table string,
	rng topology.Range,
	peers []topology.Peer,
	reason transport.Reason,
	seed uint64,
	applied *AppliedFilter,
) RangeSyncResult {
	start := time.Now()
	defer func() {
		telemetry.RangeSyncDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	hasher := NewHasher(seed)
	states := rs.establishSessions(ctx, table, rng, peers, reason, seed)
	defer rs.teardownSessions(table, rng, states)

	result := RangeSyncResult{PeerErrors: make(map[uint64]error)}

	if err := rs.walkWindows(ctx, table, rng, states, reason, hasher, applied, &result); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAborted) {
			result.Outcome = OutcomeAborted
			return result
		}
	}

	rs.recordPeerOutcomes(states, &result)

	if len(result.PeerErrors) > 0 {
		// Partial peer success never records history for the range;
		// the caller decides whether to retry.
		result.Outcome = OutcomeFailed
		return result
	}

	now := rs.cfg.Clock.Now()
	if _, _, err := rs.cfg.History.Update(roundID, table, rng, now); err != nil {
		log.Warn().Err(err).Str("table", table).Stringer("range", rng).Msg("Failed to record repair history")
		result.Outcome = OutcomeFailed
		return result
	}

	result.Outcome = OutcomeSucceeded
	return result
}

// establishSessions creates a coordinator-side session and a remote
// follower session per peer. A create failure marks only that peer.
func (rs *RangeSynchronizer) establishSessions(
	ctx context.Context,
	table string,
	rng topology.Range,
	peers []topology.Peer,
	reason transport.Reason,
	seed uint64,
) []*peerState {
	states := make([]*peerState, 0, len(peers))

	for _, peer := range peers {
		st := &peerState{peer: peer, sessionID: rs.cfg.Registry.NextSessionID()}
		states = append(states, st)

		req := transport.SessionCreateRequest{
			From:          rs.cfg.Self,
			SessionID:     st.sessionID,
			Table:         table,
			Range:         rng,
			Algorithm:     rs.cfg.Algorithm,
			MaxRowBufSize: rs.cfg.RowBufSize,
			Seed:          seed,
			Shard:         rs.cfg.Shard,
			SchemaVersion: rs.cfg.SchemaVersion,
			Reason:        reason,
		}

		local := newSession(peer, st.sessionID, req, RoleCoordinator)
		if err := rs.cfg.Registry.Insert(local); err != nil {
			st.err = err
			continue
		}
		st.session = local

		resp, err := rs.cfg.Transport.SessionCreate(ctx, peer, req)
		if err != nil {
			st.err = &PeerUnreachableError{Peer: peer, Err: err}
			log.Warn().Err(err).Stringer("peer", peer).Str("table", table).Stringer("range", rng).
				Msg("Failed to create follower repair session")
			continue
		}
		if resp.SchemaVersion != rs.cfg.SchemaVersion {
			st.err = &SchemaMismatchError{Peer: peer, Local: rs.cfg.SchemaVersion, Remote: resp.SchemaVersion}
			log.Warn().Stringer("peer", peer).Str("local", rs.cfg.SchemaVersion).
				Str("remote", resp.SchemaVersion).Msg("Schema version mismatch at session create")
		}
	}

	return states
}

// teardownSessions removes follower sessions (best effort) and always
// deregisters the local coordinator sessions.
func (rs *RangeSynchronizer) teardownSessions(table string, rng topology.Range, states []*peerState) {
	for _, st := range states {
		if st.session == nil {
			continue
		}

		// The remote session only exists if create got through.
		if _, isUnreachable := st.err.(*PeerUnreachableError); !isUnreachable {
			removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := rs.cfg.Transport.SessionRemove(removeCtx, st.peer, transport.SessionRemoveRequest{
				From:      rs.cfg.Self,
				SessionID: st.sessionID,
				Table:     table,
				Range:     rng,
			})
			cancel()
			if err != nil {
				log.Debug().Err(err).Stringer("peer", st.peer).Uint32("session_id", st.sessionID).
					Msg("Failed to remove follower repair session")
			}
		}

		if err := rs.cfg.Registry.Remove(st.peer, st.sessionID, table, rng); err != nil {
			log.Warn().Err(err).Stringer("peer", st.peer).Uint32("session_id", st.sessionID).
				Msg("Failed to deregister local repair session")
		}
	}
}

// span is a sub-interval of the range under repair. The tail of a
// wrapping range is expressed as [start, 0) with tail set, covering
// everything from start through the top of the ring.
type span struct {
	start, end uint64
	tail       bool
}

func rangeSpans(rng topology.Range) []span {
	if !rng.IsWrapping() {
		return []span{{start: rng.Start, end: rng.End}}
	}
	return []span{
		{start: rng.Start, end: 0, tail: true},
		{start: 0, end: rng.End},
	}
}

// window is one memory-bounded slice of a span: the local rows plus their
// fingerprints for [start, end).
type window struct {
	start, end uint64
	wraps      bool
	rows       map[uint64]storage.Fragment
	digest     uint64
	guard      *MemoryGuard
	exhausted  bool // no more local rows in the span past end
}

// walkWindows advances through the range window by window, reconciling
// every live peer inside each window before moving on.
func (rs *RangeSynchronizer) walkWindows(
	ctx context.Context,
	table string,
	rng topology.Range,
	states []*peerState,
	reason transport.Reason,
	hasher *Hasher,
	applied *AppliedFilter,
	result *RangeSyncResult,
) error {
	for _, sp := range rangeSpans(rng) {
		pos := sp.start
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !anyAlive(states) {
				return nil
			}

			win, err := rs.readWindow(ctx, table, sp, pos, hasher)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAborted) {
					return err
				}
				// A local read failure poisons every remaining peer:
				// nothing can be compared without local rows.
				for _, st := range states {
					if st.alive() {
						st.err = err
					}
				}
				return nil
			}

			rs.syncWindow(ctx, table, states, reason, win, hasher, applied, result)
			win.guard.Release()

			if err := ctx.Err(); err != nil {
				return err
			}
			if win.exhausted {
				break
			}
			pos = win.end
			if sp.tail {
				if pos == 0 { // walked past the top of the ring
					break
				}
			} else if pos >= sp.end {
				break
			}
		}
	}
	return nil
}

// readWindow buffers local rows from pos up to the row-buffer cap,
// acquiring memory budget first. The window end is the position after the
// last buffered row, so follower reads line up exactly.
func (rs *RangeSynchronizer) readWindow(ctx context.Context, table string, sp span, pos uint64, hasher *Hasher) (*window, error) {
	guard, err := rs.cfg.Limiter.Acquire(ctx, rs.cfg.RowBufSize)
	if err != nil {
		return nil, err
	}

	iter, err := rs.cfg.Store.ReadFragments(ctx, table, pos, sp.end, sp.tail)
	if err != nil {
		guard.Release()
		return nil, err
	}
	defer iter.Close()

	win := &window{start: pos, rows: make(map[uint64]storage.Fragment), guard: guard}
	var used int64
	var lastToken uint64

	for {
		frag, ok, err := iter.Next()
		if err != nil {
			guard.Release()
			return nil, err
		}
		if !ok {
			win.exhausted = true
			break
		}

		h := hasher.HashRow(frag)
		win.rows[h] = frag
		win.digest = CombineDigest(win.digest, h)
		used += frag.SizeBytes()
		lastToken = frag.Token

		if used >= rs.cfg.RowBufSize {
			// Close the window after the last buffered token. Rows
			// sharing that token all fit the window because storage
			// iterates token-ordered and we cut after consuming it.
			win.end = lastToken + 1
			rs.drainToken(iter, win, hasher, lastToken)
			break
		}
	}

	// Once local rows run out the window stretches to the span end so
	// rows only the peers hold in the remainder are still compared.
	if win.exhausted {
		win.end = sp.end
	}
	win.wraps = sp.tail && win.end == 0
	return win, nil
}

// drainToken pulls the remaining rows that share the window's final token
// so a window boundary never splits a token.
func (rs *RangeSynchronizer) drainToken(iter storage.Iterator, win *window, hasher *Hasher, token uint64) {
	for {
		frag, ok, err := iter.Next()
		if err != nil || !ok {
			if !ok && err == nil {
				win.exhausted = true
			}
			return
		}
		if frag.Token != token {
			return
		}
		h := hasher.HashRow(frag)
		win.rows[h] = frag
		win.digest = CombineDigest(win.digest, h)
	}
}

// syncWindow reconciles one window against every live peer. Hash sets are
// fetched from all peers concurrently; row movement then runs peer by
// peer so each session's request/response pairs stay strictly ordered.
func (rs *RangeSynchronizer) syncWindow(
	ctx context.Context,
	table string,
	states []*peerState,
	reason transport.Reason,
	win *window,
	hasher *Hasher,
	applied *AppliedFilter,
	result *RangeSyncResult,
) {
	type hashResult struct {
		st     *peerState
		hashes []uint64
	}

	telemetry.BucketsComparedTotal.Inc()

	var wg sync.WaitGroup
	results := make(chan hashResult, len(states))
	for _, st := range states {
		if !st.alive() {
			continue
		}
		wg.Add(1)
		go func(st *peerState) {
			defer wg.Done()
			hashes, err := rs.fetchPeerHashes(ctx, st, win)
			if err != nil {
				st.err = err
				return
			}
			results <- hashResult{st: st, hashes: hashes}
		}(st)
	}
	wg.Wait()
	close(results)

	peerHashes := make(map[uint64][]uint64)
	for r := range results {
		peerHashes[r.st.peer.NodeID] = r.hashes
	}

	// Inbound first: rows pulled from one peer join the local set before
	// outbound pushes, so every peer converges on the union within this
	// window.
	if reason.Inbound() {
		for _, st := range states {
			if !st.alive() {
				continue
			}
			rs.pullMissingRows(ctx, table, st, peerHashes[st.peer.NodeID], win, hasher, applied, result)
		}
	}

	if reason.Outbound() {
		for _, st := range states {
			if !st.alive() {
				continue
			}
			rs.pushMissingRows(ctx, st, peerHashes[st.peer.NodeID], win, result)
		}
	}
}

// fetchPeerHashes returns the peer's row hashes for the window. With the
// tree algorithm a digest-only probe skips the full set exchange when the
// window already matches.
func (rs *RangeSynchronizer) fetchPeerHashes(ctx context.Context, st *peerState, win *window) ([]uint64, error) {
	req := transport.HashesRequest{
		From:      rs.cfg.Self,
		SessionID: st.sessionID,
		Start:     win.start,
		End:       win.end,
		Wraps:     win.wraps,
	}

	resp, err := rs.cfg.Transport.GetHashes(ctx, st.peer, req)
	if err != nil {
		return nil, &PeerUnreachableError{Peer: st.peer, Err: err}
	}

	if rs.cfg.Algorithm == transport.DiffTree {
		var digest uint64
		for _, h := range resp.Hashes {
			digest = CombineDigest(digest, h)
		}
		if digest == win.digest && len(resp.Hashes) == len(win.rows) {
			return nil, nil // window converged, nothing to exchange
		}
		telemetry.BucketsDivergedTotal.Inc()
	}

	return resp.Hashes, nil
}

// pullMissingRows fetches rows the peer has and we lack, then applies
// them locally and adds them to the window so later pushes forward them.
func (rs *RangeSynchronizer) pullMissingRows(
	ctx context.Context,
	table string,
	st *peerState,
	hashes []uint64,
	win *window,
	hasher *Hasher,
	applied *AppliedFilter,
	result *RangeSyncResult,
) {
	var missing []uint64
	for _, h := range hashes {
		if _, ok := win.rows[h]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return
	}

	resp, err := rs.cfg.Transport.GetRows(ctx, st.peer, transport.RowsRequest{
		From:      rs.cfg.Self,
		SessionID: st.sessionID,
		Hashes:    missing,
	})
	if err != nil {
		st.err = &PeerUnreachableError{Peer: st.peer, Err: err}
		return
	}

	for _, frag := range resp.Rows {
		h := hasher.HashRow(frag)
		win.rows[h] = frag
		win.digest = CombineDigest(win.digest, h)
		result.RowsReceived++
		telemetry.RowsReceivedTotal.Inc()

		if applied != nil && !applied.MarkApplied(h) {
			continue // already applied earlier in this round
		}
		if err := rs.cfg.Store.WriteFragment(ctx, table, frag); err != nil {
			st.err = err
			return
		}
	}
}

// pushMissingRows streams rows the peer lacks.
func (rs *RangeSynchronizer) pushMissingRows(
	ctx context.Context,
	st *peerState,
	hashes []uint64,
	win *window,
	result *RangeSyncResult,
) {
	peerSet := make(map[uint64]struct{}, len(hashes))
	for _, h := range hashes {
		peerSet[h] = struct{}{}
	}

	var rows []storage.Fragment
	for h, frag := range win.rows {
		if _, ok := peerSet[h]; !ok {
			rows = append(rows, frag)
		}
	}
	if len(rows) == 0 {
		return
	}
	sortFragments(rows)

	resp, err := rs.cfg.Transport.PushRows(ctx, st.peer, transport.RowsPushRequest{
		From:      rs.cfg.Self,
		SessionID: st.sessionID,
		Rows:      rows,
	})
	if err != nil {
		st.err = &PeerUnreachableError{Peer: st.peer, Err: err}
		return
	}

	result.RowsSent += resp.Applied
	telemetry.RowsSentTotal.Add(float64(len(rows)))
}

func (rs *RangeSynchronizer) recordPeerOutcomes(states []*peerState, result *RangeSyncResult) {
	for _, st := range states {
		if st.err != nil {
			result.PeerErrors[st.peer.NodeID] = st.err
			telemetry.RangeSyncTotal.With("failed").Inc()
		} else {
			telemetry.RangeSyncTotal.With("success").Inc()
		}
	}
}

func anyAlive(states []*peerState) bool {
	for _, st := range states {
		if st.alive() {
			return true
		}
	}
	return false
}
