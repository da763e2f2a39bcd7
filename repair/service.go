package repair

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/hlc"
	"github.com/caulkdb/caulk/id"
	"github.com/caulkdb/caulk/storage"
	"github.com/caulkdb/caulk/telemetry"
	"github.com/caulkdb/caulk/topology"
	"github.com/caulkdb/caulk/transport"
)

const (
	// routeCacheSize bounds the preferred-address cache. Entries are
	// advisory; eviction only costs a re-announcement.
	routeCacheSize = 1024

	// incrementalHorizon is how recently a range must have been repaired
	// for an incremental repair to skip it.
	incrementalHorizon = 3 * time.Hour
)

// ServiceConfig collects everything the repair service depends on.
type ServiceConfig struct {
	Self          topology.Peer
	Placement     topology.Placement
	Liveness      topology.Liveness
	Transport     transport.Transport
	Store         storage.Store
	Clock         *hlc.Clock
	History       *HistoryStore
	SchemaVersion string

	MaxMemoryBytes   int64
	RowBufBytes      int64
	Algorithm        transport.DiffAlgorithm
	RangesInParallel int
	RequestTimeout   time.Duration
	FlushTimeout     time.Duration
	RotateSeeds      bool
	TableFilter      string
	Shard            transport.ShardConfig
}

// RepairOptions narrows what a repair run covers. Zero values mean "all":
// every table the store knows, every range this node owns, every owner
// peer.
type RepairOptions struct {
	Keyspace     string
	Tables       []string
	Ranges       []topology.Range
	PrimaryRange bool
	Peers        []uint64
	Incremental  bool

	// ExplicitPeers bypasses owner lookup entirely. Node operations use
	// it when the peers that must hold a range are the owners of a
	// future topology, not the current one.
	ExplicitPeers []topology.Peer
}

// Service is the node-local repair authority: it runs coordinator jobs
// against peer replicas and answers the follower half of the protocol for
// repairs other nodes coordinate. One Service per node.
type Service struct {
	cfg         ServiceConfig
	tableFilter glob.Glob // nil when no filter is configured

	limiter  *MemoryLimiter
	registry *SessionRegistry
	tracker  *Tracker
	sync     *RangeSynchronizer
	routes   *lru.Cache[uint64, string]
	rounds   id.Generator

	accepting atomic.Bool

	unsubscribe func()
	jobs        sync.WaitGroup
}

// NewService wires the repair service, registers it as the transport
// handler and subscribes to peer liveness.
func NewService(cfg ServiceConfig) (*Service, error) {
	var filter glob.Glob
	if cfg.TableFilter != "" {
		g, err := glob.Compile(cfg.TableFilter)
		if err != nil {
			return nil, fmt.Errorf("invalid table filter %q: %w", cfg.TableFilter, err)
		}
		filter = g
	}

	routes, err := lru.New[uint64, string](routeCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		tableFilter: filter,
		limiter:     NewMemoryLimiter(cfg.MaxMemoryBytes),
		registry:    NewSessionRegistry(),
		tracker:     NewTracker(),
		routes:      routes,
		rounds:      id.NewHLCGenerator(cfg.Clock),
	}
	s.accepting.Store(true)

	s.sync = NewRangeSynchronizer(SynchronizerConfig{
		Self:          cfg.Self,
		Registry:      s.registry,
		Limiter:       s.limiter,
		Transport:     cfg.Transport,
		Store:         cfg.Store,
		Clock:         cfg.Clock,
		History:       cfg.History,
		SchemaVersion: cfg.SchemaVersion,
		RowBufSize:    cfg.RowBufBytes,
		Algorithm:     cfg.Algorithm,
		Shard:         cfg.Shard,
	})

	cfg.Transport.RegisterHandler(s)
	s.unsubscribe = cfg.Liveness.Subscribe(s.onPeerEvent)
	return s, nil
}

// Registry exposes the session registry, mainly for introspection and
// tests.
func (s *Service) Registry() *SessionRegistry {
	return s.registry
}

// Limiter exposes the repair memory limiter.
func (s *Service) Limiter() *MemoryLimiter {
	return s.limiter
}

// StartRepair launches an operator repair and returns its job id. The
// job runs asynchronously; use Status, Await or the done channel to
// follow it.
func (s *Service) StartRepair(opts RepairOptions) (int, error) {
	return s.start(opts, transport.ReasonRepair, 0)
}

// StartOps launches the data-movement job backing a node operation.
// The reason fixes the direction of row movement and opsID ties the job
// to the operation for targeted abort.
func (s *Service) StartOps(opts RepairOptions, reason transport.Reason, opsID uint64) (int, error) {
	return s.start(opts, reason, opsID)
}

func (s *Service) start(opts RepairOptions, reason transport.Reason, opsID uint64) (int, error) {
	if !s.accepting.Load() {
		return 0, ErrShutdown
	}

	job, err := s.tracker.NewJob(opts.Keyspace, opsID)
	if err != nil {
		return 0, err
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.runJob(job, opts, reason)
	}()

	log.Info().
		Int("job_id", job.ID).
		Str("keyspace", opts.Keyspace).
		Stringer("reason", reason).
		Bool("incremental", opts.Incremental).
		Msg("Repair job queued")
	return job.ID, nil
}

// workItem is one (table, range, peers) unit a job worker synchronizes.
type workItem struct {
	table string
	rng   topology.Range
	peers []topology.Peer
}

func (s *Service) runJob(job *Job, opts RepairOptions, reason transport.Reason) {
	s.tracker.MarkRunning(job)

	work, err := s.planJob(job, opts)
	if err != nil {
		s.tracker.Finish(job, StatusFailed, err.Error())
		return
	}
	if len(work) == 0 {
		s.tracker.Finish(job, StatusSucceeded, "")
		return
	}

	job.TotalRanges.Store(int64(len(work)))
	telemetry.RepairRangesTotal.Add(float64(len(work)))

	roundID := s.rounds.NextID()
	defer s.cfg.History.Cleanup(roundID)

	seed := uint64(0)
	if s.cfg.RotateSeeds {
		seed = rand.Uint64()
	}

	s.flushPeers(job.Ctx(), work)

	applied := NewAppliedFilter()
	items := make(chan workItem)
	failures := make(chan string, len(work))

	workers := s.cfg.RangesInParallel
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range items {
				res := s.sync.SyncRange(job.Ctx(), roundID, item.table, item.rng, item.peers, reason, seed, applied)
				switch res.Outcome {
				case OutcomeSucceeded:
					job.FinishedRanges.Add(1)
					telemetry.RepairRangesFinished.Add(1)
				case OutcomeFailed:
					failures <- fmt.Sprintf("table %s range %s: %d peer(s) failed", item.table, item.rng, len(res.PeerErrors))
				case OutcomeAborted:
					// Job context is gone; remaining items drain below.
				}
			}
		}()
	}

	for _, item := range work {
		if job.Ctx().Err() != nil {
			break
		}
		items <- item
	}
	close(items)
	wg.Wait()
	close(failures)

	if job.Ctx().Err() != nil {
		s.tracker.Finish(job, StatusAborted, "aborted")
		return
	}

	var firstFailure string
	failed := 0
	for f := range failures {
		if firstFailure == "" {
			firstFailure = f
		}
		failed++
	}
	if failed > 0 {
		s.tracker.Finish(job, StatusFailed, fmt.Sprintf("%s (%d range(s) failed)", firstFailure, failed))
		return
	}
	s.tracker.Finish(job, StatusSucceeded, "")
}

// planJob expands the options into concrete work items. Ranges with no
// live peers fall out of the plan: with nobody to compare against the
// range is trivially in sync.
func (s *Service) planJob(job *Job, opts RepairOptions) ([]workItem, error) {
	tables, err := s.selectTables(opts)
	if err != nil {
		return nil, err
	}

	ranges := opts.Ranges
	if len(ranges) == 0 {
		ranges = s.cfg.Placement.RangesOwnedBy(s.cfg.Self.NodeID)
	}

	var restrict map[uint64]struct{}
	if len(opts.Peers) > 0 {
		restrict = make(map[uint64]struct{}, len(opts.Peers))
		for _, nodeID := range opts.Peers {
			restrict[nodeID] = struct{}{}
		}
	}

	now := s.cfg.Clock.Now()
	var work []workItem
	skipped := 0

	for _, rng := range ranges {
		owners := opts.ExplicitPeers
		if owners == nil {
			owners = s.cfg.Placement.OwnersOf(rng)
			if opts.PrimaryRange && (len(owners) == 0 || owners[0].NodeID != s.cfg.Self.NodeID) {
				continue
			}
		}

		peers := make([]topology.Peer, 0, len(owners))
		for _, p := range owners {
			if p.NodeID == s.cfg.Self.NodeID {
				continue
			}
			if restrict != nil {
				if _, ok := restrict[p.NodeID]; !ok {
					continue
				}
			}
			if !s.cfg.Liveness.IsAlive(p.NodeID) {
				continue
			}
			peers = append(peers, p)
		}
		if len(peers) == 0 {
			continue
		}

		for _, table := range tables {
			if opts.Incremental && s.recentlyRepaired(table, rng, now) {
				skipped++
				continue
			}
			work = append(work, workItem{table: table, rng: rng, peers: peers})
		}
	}

	if skipped > 0 {
		log.Info().
			Int("job_id", job.ID).
			Int("skipped", skipped).
			Msg("Incremental repair skipped recently repaired ranges")
	}
	return work, nil
}

func (s *Service) selectTables(opts RepairOptions) ([]string, error) {
	tables := opts.Tables
	if len(tables) == 0 {
		tables = s.cfg.Store.Tables()
	}

	if s.tableFilter == nil {
		return tables, nil
	}

	filtered := tables[:0:0]
	for _, t := range tables {
		if s.tableFilter.Match(t) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

func (s *Service) recentlyRepaired(table string, rng topology.Range, now hlc.Timestamp) bool {
	last, ok := s.cfg.History.LastRepaired(table, rng)
	if !ok {
		return false
	}
	return now.PhysicalTime().Sub(last.PhysicalTime()) < incrementalHorizon
}

// flushPeers asks every distinct peer in the plan to flush pending
// writes before rows are compared. Failures are logged and tolerated:
// an unflushed peer only means some divergence is found and repaired.
func (s *Service) flushPeers(ctx context.Context, work []workItem) {
	seen := make(map[uint64]topology.Peer)
	for _, item := range work {
		for _, p := range item.peers {
			seen[p.NodeID] = p
		}
	}

	for _, peer := range seen {
		flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
		_, err := s.cfg.Transport.Flush(flushCtx, peer, transport.FlushRequest{From: s.cfg.Self})
		cancel()
		if err != nil {
			log.Warn().Err(err).Stringer("peer", peer).Msg("Peer flush before repair failed")
		}
	}
}

// Status returns the status of a job.
func (s *Service) Status(id int) (JobStatus, bool) {
	return s.tracker.Status(id)
}

// Await blocks until the job reaches a terminal status or the deadline
// passes. The job keeps running on timeout.
func (s *Service) Await(id int, deadline time.Time) (JobStatus, error) {
	return s.tracker.Await(id, deadline)
}

// Progress reports finished versus total ranges for a job.
func (s *Service) Progress(id int) (finished, total int64, ok bool) {
	job, found := s.tracker.Get(id)
	if !found {
		return 0, 0, false
	}
	return job.FinishedRanges.Load(), job.TotalRanges.Load(), true
}

// Abort cancels one job.
func (s *Service) Abort(id int) bool {
	job, ok := s.tracker.Get(id)
	if !ok {
		return false
	}
	job.Abort()
	return true
}

// AbortAll cancels every active job.
func (s *Service) AbortAll() {
	s.tracker.AbortAll()
}

// AbortOps cancels the jobs spawned by one node operation.
func (s *Service) AbortOps(opsID uint64) {
	s.tracker.AbortOps(opsID)
}

// GetActiveRepairs returns the ids of jobs not yet terminal, ascending.
func (s *Service) GetActiveRepairs() []int {
	return s.tracker.ActiveJobs()
}

// PreferredAddress returns the announced preferred address for a node,
// if one is cached.
func (s *Service) PreferredAddress(nodeID uint64) (string, bool) {
	return s.routes.Get(nodeID)
}

// Stop drains: no new jobs are accepted and the call blocks until active
// jobs finish or ctx expires, then tears the service down.
func (s *Service) Stop(ctx context.Context) error {
	s.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Repair drain deadline passed, aborting remaining jobs")
	}

	s.Shutdown()
	return ctx.Err()
}

// Shutdown aborts everything immediately: active jobs are cancelled and
// all session state is purged. In-flight follower requests fail fast.
func (s *Service) Shutdown() {
	s.accepting.Store(false)
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.tracker.Shutdown()
	s.registry.RemoveAll()
	s.jobs.Wait()
}

// onPeerEvent reacts to liveness changes. A peer going down voids its
// sessions and in-flight requests; an address change is re-announced to
// the peers that share ranges with this node.
func (s *Service) onPeerEvent(ev topology.PeerEvent) {
	switch ev.Kind {
	case topology.PeerDown:
		purged := s.registry.RemoveAllForPeer(ev.Peer.NodeID)
		s.cfg.Transport.DropPeer(ev.Peer.NodeID)
		log.Info().
			Uint64("peer", ev.Peer.NodeID).
			Int("sessions", purged).
			Msg("Peer down, repair sessions voided")
	case topology.PeerAddressChanged:
		s.routes.Add(ev.Peer.NodeID, ev.Peer.Addr)
		go s.announceRoute(ev.Peer)
	case topology.PeerUp:
		log.Debug().Uint64("peer", ev.Peer.NodeID).Msg("Peer up")
	}
}

// announceRoute forwards a changed address to this node's replica set.
// Propagation is one hop deep: receivers update their cache and do not
// forward again, so announcements cannot loop.
func (s *Service) announceRoute(changed topology.Peer) {
	seen := make(map[uint64]struct{})
	for _, rng := range s.cfg.Placement.RangesOwnedBy(s.cfg.Self.NodeID) {
		for _, p := range s.cfg.Placement.OwnersOf(rng) {
			if p.NodeID == s.cfg.Self.NodeID || p.NodeID == changed.NodeID {
				continue
			}
			if _, ok := seen[p.NodeID]; ok {
				continue
			}
			seen[p.NodeID] = struct{}{}

			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			_, err := s.cfg.Transport.SystemTableUpdate(ctx, p, transport.SystemTableUpdateRequest{
				From:          changed,
				PreferredAddr: changed.Addr,
			})
			cancel()
			if err != nil {
				log.Debug().Err(err).Uint64("peer", p.NodeID).Msg("Address announcement failed")
			}
		}
	}
}

// --- follower half of the protocol ---

// HandleSessionCreate sets up follower session state. The response
// carries this node's schema version so the coordinator can detect a
// mismatch before any rows move.
func (s *Service) HandleSessionCreate(_ context.Context, req transport.SessionCreateRequest) (transport.SessionCreateResponse, error) {
	resp := transport.SessionCreateResponse{SchemaVersion: s.cfg.SchemaVersion}
	if !s.accepting.Load() {
		return resp, ErrShutdown
	}

	sess := newSession(req.From, req.SessionID, req, RoleFollower)
	if err := s.registry.Insert(sess); err != nil {
		return resp, err
	}
	return resp, nil
}

// HandleSessionRemove tears down a follower session. Unknown sessions
// are fine; table or range mismatch is not.
func (s *Service) HandleSessionRemove(_ context.Context, req transport.SessionRemoveRequest) (transport.SessionRemoveResponse, error) {
	err := s.registry.Remove(req.From, req.SessionID, req.Table, req.Range)
	return transport.SessionRemoveResponse{}, err
}

// HandleGetHashes reads the requested window from local storage, caches
// the rows in the session working set under memory budget, and returns
// their seeded hashes. A follow-up GetRows serves from the cached set.
func (s *Service) HandleGetHashes(ctx context.Context, req transport.HashesRequest) (transport.HashesResponse, error) {
	sess, ok := s.registry.Get(req.From, req.SessionID)
	if !ok {
		return transport.HashesResponse{}, ErrSessionNotFound
	}

	guard, err := s.limiter.Acquire(ctx, sess.MaxRowBufSize)
	if err != nil {
		return transport.HashesResponse{}, err
	}

	iter, err := s.cfg.Store.ReadFragments(ctx, sess.Table, req.Start, req.End, req.Wraps)
	if err != nil {
		guard.Release()
		return transport.HashesResponse{}, err
	}
	defer iter.Close()

	rows := make(map[uint64]storage.Fragment)
	for {
		frag, more, err := iter.Next()
		if err != nil {
			guard.Release()
			return transport.HashesResponse{}, err
		}
		if !more {
			break
		}
		rows[sess.hasher.HashRow(frag)] = frag
	}

	sess.setWorkingSet(rows, guard)

	hashes := make([]uint64, 0, len(rows))
	for h := range rows {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return transport.HashesResponse{Hashes: hashes}, nil
}

// HandleGetRows serves full rows for hashes from the session's working
// set.
func (s *Service) HandleGetRows(_ context.Context, req transport.RowsRequest) (transport.RowsResponse, error) {
	sess, ok := s.registry.Get(req.From, req.SessionID)
	if !ok {
		return transport.RowsResponse{}, ErrSessionNotFound
	}

	rows := sess.lookupRows(req.Hashes)
	telemetry.RowsSentTotal.Add(float64(len(rows)))
	return transport.RowsResponse{Rows: rows}, nil
}

// HandlePushRows applies rows the coordinator streamed to this replica.
func (s *Service) HandlePushRows(ctx context.Context, req transport.RowsPushRequest) (transport.RowsPushResponse, error) {
	sess, ok := s.registry.Get(req.From, req.SessionID)
	if !ok {
		return transport.RowsPushResponse{}, ErrSessionNotFound
	}

	applied := 0
	for _, frag := range req.Rows {
		if err := s.cfg.Store.WriteFragment(ctx, sess.Table, frag); err != nil {
			return transport.RowsPushResponse{Applied: applied}, err
		}
		applied++
	}

	telemetry.RowsReceivedTotal.Add(float64(applied))
	return transport.RowsPushResponse{Applied: applied}, nil
}

// HandleSystemTableUpdate records a peer's preferred address. Replayed
// announcements overwrite with the same value, so the update is
// idempotent, and updates are never forwarded from here.
func (s *Service) HandleSystemTableUpdate(_ context.Context, req transport.SystemTableUpdateRequest) (transport.SystemTableUpdateResponse, error) {
	s.routes.Add(req.From.NodeID, req.PreferredAddr)
	telemetry.SystemTableUpdatesTotal.Inc()
	log.Debug().
		Uint64("peer", req.From.NodeID).
		Str("preferred", req.PreferredAddr).
		Msg("Preferred address updated")
	return transport.SystemTableUpdateResponse{}, nil
}

// HandleFlush flushes pending local writes if the store buffers any.
func (s *Service) HandleFlush(ctx context.Context, _ transport.FlushRequest) (transport.FlushResponse, error) {
	if f, ok := s.cfg.Store.(storage.Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			telemetry.FlushRequestsTotal.With("failed").Inc()
			return transport.FlushResponse{}, err
		}
	}
	telemetry.FlushRequestsTotal.With("ok").Inc()
	return transport.FlushResponse{}, nil
}
