// Package nodeops orchestrates topology-changing operations: bootstrap,
// decommission, removenode, rebuild and replace. Each operation computes
// the ranges whose replica placement changes, streams rows for them in
// the right direction through the repair service, and commits the
// topology change only after every range moved.
package nodeops

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/id"
	"github.com/caulkdb/caulk/repair"
	"github.com/caulkdb/caulk/telemetry"
	"github.com/caulkdb/caulk/topology"
	"github.com/caulkdb/caulk/transport"
)

// Kind is the node operation type.
type Kind uint8

const (
	KindBootstrap Kind = iota
	KindDecommission
	KindRemovenode
	KindRebuild
	KindReplace
)

func (k Kind) String() string {
	switch k {
	case KindBootstrap:
		return "bootstrap"
	case KindDecommission:
		return "decommission"
	case KindRemovenode:
		return "removenode"
	case KindRebuild:
		return "rebuild"
	case KindReplace:
		return "replace"
	default:
		return "unknown"
	}
}

func (k Kind) reason() transport.Reason {
	switch k {
	case KindBootstrap:
		return transport.ReasonBootstrap
	case KindDecommission:
		return transport.ReasonDecommission
	case KindRemovenode:
		return transport.ReasonRemovenode
	case KindRebuild:
		return transport.ReasonRebuild
	case KindReplace:
		return transport.ReasonReplace
	}
	return transport.ReasonRepair
}

func (k Kind) gauges() (total, finished telemetry.Gauge) {
	switch k {
	case KindBootstrap:
		return telemetry.BootstrapTotalRanges, telemetry.BootstrapFinishedRanges
	case KindDecommission:
		return telemetry.DecommissionTotalRanges, telemetry.DecommissionFinishedRanges
	case KindRemovenode:
		return telemetry.RemovenodeTotalRanges, telemetry.RemovenodeFinishedRanges
	case KindRebuild:
		return telemetry.RebuildTotalRanges, telemetry.RebuildFinishedRanges
	case KindReplace:
		return telemetry.ReplaceTotalRanges, telemetry.ReplaceFinishedRanges
	}
	return telemetry.NoopStat{}, telemetry.NoopStat{}
}

// Runner is the slice of the repair service node operations drive.
type Runner interface {
	StartOps(opts repair.RepairOptions, reason transport.Reason, opsID uint64) (int, error)
	Await(id int, deadline time.Time) (repair.JobStatus, error)
	AbortOps(opsID uint64)
}

// Result is the terminal report of an operation.
type Result struct {
	Kind           Kind
	OpsID          uint64
	TotalRanges    int64
	FinishedRanges int64
}

// Operation is one in-flight node operation. Progress counters update as
// ranges move; the future resolves when the operation reaches a terminal
// state.
type Operation struct {
	ID   uint64
	Kind Kind

	TotalRanges    atomic.Int64
	FinishedRanges atomic.Int64

	promise *future.Promise[Result]
	fut     *future.Future[Result]
}

// Future resolves with the operation's result, or an error if it failed
// or was aborted.
func (op *Operation) Future() *future.Future[Result] {
	return op.fut
}

// FinishedPercentage reports progress in percent. An operation with no
// ranges to move is complete.
func (op *Operation) FinishedPercentage() float64 {
	total := op.TotalRanges.Load()
	if total == 0 {
		return 100
	}
	return float64(op.FinishedRanges.Load()) / float64(total) * 100
}

// rangeTask is one unit of data movement: a range and the peers that must
// agree on its contents for the operation to commit.
type rangeTask struct {
	rng   topology.Range
	peers []topology.Peer
}

// Coordinator runs node operations against the local repair service and
// ring. One operation kind at a time mirrors the single-operation rule of
// topology changes; concurrent requests of any kind are rejected.
type Coordinator struct {
	self   topology.Peer
	ring   *topology.Ring
	runner Runner
	tables []string

	jobTimeout time.Duration
	ids        id.Generator

	mu      sync.Mutex
	current *Operation
}

// NewCoordinator creates a coordinator. tables limits which tables the
// operations move; empty means every table the store knows. Ops ids come
// from ids so an operation is identifiable across the cluster's logs.
func NewCoordinator(self topology.Peer, ring *topology.Ring, runner Runner, tables []string, jobTimeout time.Duration, ids id.Generator) *Coordinator {
	return &Coordinator{
		self:       self,
		ring:       ring,
		runner:     runner,
		tables:     tables,
		jobTimeout: jobTimeout,
		ids:        ids,
	}
}

// Current returns the in-flight operation, if any.
func (c *Coordinator) Current() (*Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != nil
}

// Abort cancels the in-flight operation. The topology is left untouched:
// an aborted operation never commits its change.
func (c *Coordinator) Abort() bool {
	c.mu.Lock()
	op := c.current
	c.mu.Unlock()
	if op == nil {
		return false
	}
	c.runner.AbortOps(op.ID)
	return true
}

func (c *Coordinator) begin(kind Kind) (*Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return nil, fmt.Errorf("node operation %s already in progress (ops id %d)", c.current.Kind, c.current.ID)
	}

	p := future.NewPromise[Result]()
	op := &Operation{
		ID:      c.ids.NextID(),
		Kind:    kind,
		promise: p,
		fut:     p.Future(),
	}
	c.current = op
	return op, nil
}

func (c *Coordinator) finish(op *Operation, err error) {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	result := Result{
		Kind:           op.Kind,
		OpsID:          op.ID,
		TotalRanges:    op.TotalRanges.Load(),
		FinishedRanges: op.FinishedRanges.Load(),
	}

	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	telemetry.NodeOpsTotal.With(op.Kind.String(), outcome).Inc()
	log.Info().
		Uint64("ops_id", op.ID).
		Stringer("kind", op.Kind).
		Int64("total_ranges", result.TotalRanges).
		Int64("finished_ranges", result.FinishedRanges).
		Err(err).
		Msg("Node operation finished")

	op.promise.Set(result, err)
}

// run moves every task's data, updating progress gauges, and calls
// commit only when all tasks finished.
func (c *Coordinator) run(op *Operation, tasks []rangeTask, commit func()) {
	totalGauge, finishedGauge := op.Kind.gauges()

	op.TotalRanges.Store(int64(len(tasks)))
	totalGauge.Set(float64(len(tasks)))
	finishedGauge.Set(0)

	for _, task := range tasks {
		if len(task.peers) == 0 {
			// Nobody to move data with; the range is trivially done.
			op.FinishedRanges.Add(1)
			finishedGauge.Inc()
			continue
		}

		jobID, err := c.runner.StartOps(repair.RepairOptions{
			Keyspace:      "nodeops",
			Tables:        c.tables,
			Ranges:        []topology.Range{task.rng},
			ExplicitPeers: task.peers,
		}, op.Kind.reason(), op.ID)
		if err != nil {
			c.finish(op, fmt.Errorf("failed to start %s job for range %s: %w", op.Kind, task.rng, err))
			return
		}

		status, err := c.runner.Await(jobID, time.Now().Add(c.jobTimeout))
		if err != nil {
			c.finish(op, fmt.Errorf("%s job %d for range %s did not finish: %w", op.Kind, jobID, task.rng, err))
			return
		}
		switch status {
		case repair.StatusSucceeded:
			op.FinishedRanges.Add(1)
			finishedGauge.Inc()
		case repair.StatusAborted:
			c.finish(op, repair.ErrAborted)
			return
		default:
			c.finish(op, fmt.Errorf("%s job %d for range %s failed", op.Kind, jobID, task.rng))
			return
		}
	}

	if commit != nil {
		commit()
	}
	c.finish(op, nil)
}

// filterPeers drops self, the excluded node and everything in ignore.
func filterPeers(peers []topology.Peer, selfID uint64, exclude uint64, ignore []uint64) []topology.Peer {
	ignored := make(map[uint64]struct{}, len(ignore))
	for _, n := range ignore {
		ignored[n] = struct{}{}
	}

	out := make([]topology.Peer, 0, len(peers))
	for _, p := range peers {
		if p.NodeID == selfID || p.NodeID == exclude {
			continue
		}
		if _, ok := ignored[p.NodeID]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Bootstrap joins this node to the ring: it pulls the ranges the node
// will own from their current owners, then adds the node to the ring.
func (c *Coordinator) Bootstrap(ignore []uint64) (*Operation, error) {
	op, err := c.begin(KindBootstrap)
	if err != nil {
		return nil, err
	}

	after := c.ring.Clone()
	after.AddPeer(c.self)

	var tasks []rangeTask
	for _, rng := range after.RangesOwnedBy(c.self.NodeID) {
		owners := c.ring.OwnersOf(rng)
		tasks = append(tasks, rangeTask{rng: rng, peers: filterPeers(owners, c.self.NodeID, 0, ignore)})
	}

	go c.run(op, tasks, func() {
		c.ring.AddPeer(c.self)
	})
	return op, nil
}

// Decommission streams this node's ranges to the replicas that own them
// once it leaves, then removes the node from the ring.
func (c *Coordinator) Decommission(ignore []uint64) (*Operation, error) {
	op, err := c.begin(KindDecommission)
	if err != nil {
		return nil, err
	}

	after := c.ring.Clone()
	after.RemovePeer(c.self.NodeID)

	var tasks []rangeTask
	for _, rng := range c.ring.RangesOwnedBy(c.self.NodeID) {
		owners := after.OwnersOf(rng)
		tasks = append(tasks, rangeTask{rng: rng, peers: filterPeers(owners, c.self.NodeID, 0, ignore)})
	}

	go c.run(op, tasks, func() {
		c.ring.RemovePeer(c.self.NodeID)
	})
	return op, nil
}

// Removenode repairs the ranges a dead node held: this node pushes its
// replicas of those ranges to the owners of the shrunk ring, then drops
// the dead node.
func (c *Coordinator) Removenode(deadNodeID uint64, ignore []uint64) (*Operation, error) {
	if _, ok := c.ring.Peer(deadNodeID); !ok {
		return nil, fmt.Errorf("node %d is not in the ring", deadNodeID)
	}
	if deadNodeID == c.self.NodeID {
		return nil, fmt.Errorf("cannot removenode the local node, use decommission")
	}

	op, err := c.begin(KindRemovenode)
	if err != nil {
		return nil, err
	}

	after := c.ring.Clone()
	after.RemovePeer(deadNodeID)

	// Only the dead node's ranges this node replicates can be served
	// from here; other replicas run their own removenode repair.
	var tasks []rangeTask
	for _, rng := range c.ring.RangesOwnedBy(deadNodeID) {
		if !ownedBy(c.ring.OwnersOf(rng), c.self.NodeID) {
			continue
		}
		owners := after.OwnersOf(rng)
		tasks = append(tasks, rangeTask{rng: rng, peers: filterPeers(owners, c.self.NodeID, deadNodeID, ignore)})
	}

	go c.run(op, tasks, func() {
		c.ring.RemovePeer(deadNodeID)
	})
	return op, nil
}

// Rebuild re-fetches every range this node owns from its other replicas,
// for a node whose local data was lost or corrupted. Topology does not
// change.
func (c *Coordinator) Rebuild(ignore []uint64) (*Operation, error) {
	op, err := c.begin(KindRebuild)
	if err != nil {
		return nil, err
	}

	var tasks []rangeTask
	for _, rng := range c.ring.RangesOwnedBy(c.self.NodeID) {
		owners := c.ring.OwnersOf(rng)
		tasks = append(tasks, rangeTask{rng: rng, peers: filterPeers(owners, c.self.NodeID, 0, ignore)})
	}

	go c.run(op, tasks, nil)
	return op, nil
}

// Replace substitutes this node for a dead one: it pulls the dead node's
// ranges from the surviving replicas, then swaps ring membership.
func (c *Coordinator) Replace(deadNodeID uint64, ignore []uint64) (*Operation, error) {
	if _, ok := c.ring.Peer(deadNodeID); !ok {
		return nil, fmt.Errorf("node %d is not in the ring", deadNodeID)
	}

	op, err := c.begin(KindReplace)
	if err != nil {
		return nil, err
	}

	var tasks []rangeTask
	for _, rng := range c.ring.RangesOwnedBy(deadNodeID) {
		owners := c.ring.OwnersOf(rng)
		tasks = append(tasks, rangeTask{rng: rng, peers: filterPeers(owners, c.self.NodeID, deadNodeID, ignore)})
	}

	go c.run(op, tasks, func() {
		c.ring.RemovePeer(deadNodeID)
		c.ring.AddPeer(c.self)
	})
	return op, nil
}

func ownedBy(peers []topology.Peer, nodeID uint64) bool {
	for _, p := range peers {
		if p.NodeID == nodeID {
			return true
		}
	}
	return false
}
