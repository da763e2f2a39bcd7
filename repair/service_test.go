package repair

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caulkdb/caulk/hlc"
	"github.com/caulkdb/caulk/storage"
	"github.com/caulkdb/caulk/topology"
	"github.com/caulkdb/caulk/transport"
)

type testNode struct {
	peer    topology.Peer
	store   *storage.MemStore
	history *HistoryStore
	svc     *Service
}

// newTestCluster builds n fully replicating nodes connected over an
// in-process loopback, one ring token per node.
func newTestCluster(t *testing.T, n int) (*transport.Loopback, []*testNode) {
	t.Helper()

	loop := transport.NewLoopback()
	ring := topology.NewRing(n, 1)
	liveness := topology.NewStaticLiveness()

	nodes := make([]*testNode, 0, n)
	for i := 1; i <= n; i++ {
		peer := topology.Peer{NodeID: uint64(i), Addr: fmt.Sprintf("node-%d", i)}
		ring.AddPeerAt(peer, []topology.Token{topology.Token(uint64(i) * 1000)})
		liveness.MarkUp(peer)
	}

	for i := 1; i <= n; i++ {
		peer, _ := ring.Peer(uint64(i))
		node := &testNode{
			peer:    peer,
			store:   storage.NewMemStore(),
			history: NewHistoryStore(nil),
		}

		svc, err := NewService(ServiceConfig{
			Self:             peer,
			Placement:        ring,
			Liveness:         liveness,
			Transport:        loop,
			Store:            node.store,
			Clock:            hlc.NewClock(peer.NodeID),
			History:          node.history,
			SchemaVersion:    "schema-v1",
			MaxMemoryBytes:   1 << 20,
			RowBufBytes:      4 << 10,
			Algorithm:        transport.DiffSet,
			RangesInParallel: 2,
			RequestTimeout:   2 * time.Second,
			FlushTimeout:     2 * time.Second,
		})
		require.NoError(t, err)
		node.svc = svc
		loop.Register(peer.NodeID, svc)
		nodes = append(nodes, node)
		t.Cleanup(svc.Shutdown)
	}
	return loop, nodes
}

func writeRow(t *testing.T, node *testNode, table string, token uint64, pk string, payload string) {
	t.Helper()
	err := node.store.WriteFragment(context.Background(), table, storage.Fragment{
		Token:        token,
		PartitionKey: []byte(pk),
		Payload:      []byte(payload),
	})
	require.NoError(t, err)
}

func dumpTable(t *testing.T, node *testNode, table string) []storage.Fragment {
	t.Helper()
	iter, err := node.store.ReadFragments(context.Background(), table, 0, 0, true)
	require.NoError(t, err)
	defer iter.Close()

	var out []storage.Fragment
	for {
		frag, ok, err := iter.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, frag)
	}
}

func awaitJob(t *testing.T, svc *Service, id int) JobStatus {
	t.Helper()
	status, err := svc.Await(id, time.Now().Add(10*time.Second))
	require.NoError(t, err)
	return status
}

func TestRepairConvergesDivergedReplicas(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	// Common base row everywhere, plus one unique row on node 1 and one
	// on node 2.
	for _, n := range nodes {
		writeRow(t, n, "users", 1500, "alice", "v1")
	}
	writeRow(t, nodes[0], "users", 2500, "bob", "v1")
	writeRow(t, nodes[1], "users", 3500, "carol", "v1")

	id, err := nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	want := dumpTable(t, nodes[0], "users")
	assert.Len(t, want, 3)
	for _, n := range nodes[1:] {
		assert.Equal(t, want, dumpTable(t, n, "users"))
	}
}

func TestRepairRecordsHistoryOnSuccess(t *testing.T) {
	_, nodes := newTestCluster(t, 2)
	writeRow(t, nodes[0], "users", 1500, "alice", "v1")

	id, err := nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	recorded := 0
	for _, rng := range nodes[0].svc.cfg.Placement.RangesOwnedBy(1) {
		if _, ok := nodes[0].history.LastRepaired("users", rng); ok {
			recorded++
		}
	}
	assert.Greater(t, recorded, 0)
}

func TestRepairNoDivergence(t *testing.T) {
	_, nodes := newTestCluster(t, 2)
	for _, n := range nodes {
		writeRow(t, n, "users", 1500, "alice", "v1")
		writeRow(t, n, "users", 2500, "bob", "v2")
	}

	id, err := nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	for _, n := range nodes {
		assert.Len(t, dumpTable(t, n, "users"), 2)
	}
}

func TestRepairPeerFailureContained(t *testing.T) {
	loop, nodes := newTestCluster(t, 3)

	writeRow(t, nodes[0], "users", 1500, "alice", "v1")
	loop.DropPeer(3)

	id, err := nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)

	// The unreachable peer fails the job, but the healthy peer still
	// receives the missing row.
	assert.Equal(t, StatusFailed, awaitJob(t, nodes[0].svc, id))
	assert.Len(t, dumpTable(t, nodes[1], "users"), 1)
	assert.Empty(t, dumpTable(t, nodes[2], "users"))
}

func TestBootstrapStreamsInboundOnly(t *testing.T) {
	_, nodes := newTestCluster(t, 2)

	// Peer has data the joiner lacks; the joiner holds a local row the
	// peer must not receive.
	writeRow(t, nodes[1], "users", 1500, "alice", "v1")
	writeRow(t, nodes[1], "users", 2500, "bob", "v1")
	writeRow(t, nodes[0], "users", 3500, "local", "v1")

	id, err := nodes[0].svc.StartOps(RepairOptions{Keyspace: "app", Tables: []string{"users"}}, transport.ReasonBootstrap, 11)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	assert.Len(t, dumpTable(t, nodes[0], "users"), 3)
	assert.Len(t, dumpTable(t, nodes[1], "users"), 2)
}

func TestDecommissionStreamsOutboundOnly(t *testing.T) {
	_, nodes := newTestCluster(t, 2)

	writeRow(t, nodes[0], "users", 1500, "alice", "v1")
	writeRow(t, nodes[1], "users", 2500, "keep", "v1")

	id, err := nodes[0].svc.StartOps(RepairOptions{Keyspace: "app", Tables: []string{"users"}}, transport.ReasonDecommission, 12)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	// The leaver pushed its row out but pulled nothing in.
	assert.Len(t, dumpTable(t, nodes[1], "users"), 2)
	assert.Len(t, dumpTable(t, nodes[0], "users"), 1)
}

func TestIncrementalRepairSkipsFreshRanges(t *testing.T) {
	_, nodes := newTestCluster(t, 2)
	writeRow(t, nodes[0], "users", 1500, "alice", "v1")

	id, err := nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	id, err = nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app", Incremental: true})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	_, total, ok := nodes[0].svc.Progress(id)
	require.True(t, ok)
	assert.Equal(t, int64(0), total)
}

func TestRepairTableFilter(t *testing.T) {
	loop := transport.NewLoopback()
	ring := topology.NewRing(2, 1)
	liveness := topology.NewStaticLiveness()
	p1 := topology.Peer{NodeID: 1, Addr: "a"}
	p2 := topology.Peer{NodeID: 2, Addr: "b"}
	ring.AddPeerAt(p1, []topology.Token{1000})
	ring.AddPeerAt(p2, []topology.Token{2000})
	liveness.MarkUp(p1)
	liveness.MarkUp(p2)

	mk := func(peer topology.Peer) (*Service, *storage.MemStore) {
		store := storage.NewMemStore()
		svc, err := NewService(ServiceConfig{
			Self:             peer,
			Placement:        ring,
			Liveness:         liveness,
			Transport:        loop,
			Store:            store,
			Clock:            hlc.NewClock(peer.NodeID),
			History:          NewHistoryStore(nil),
			SchemaVersion:    "schema-v1",
			MaxMemoryBytes:   1 << 20,
			RowBufBytes:      4 << 10,
			RangesInParallel: 1,
			RequestTimeout:   time.Second,
			FlushTimeout:     time.Second,
			TableFilter:      "app_*",
		})
		require.NoError(t, err)
		loop.Register(peer.NodeID, svc)
		t.Cleanup(svc.Shutdown)
		return svc, store
	}

	svc1, store1 := mk(p1)
	_, store2 := mk(p2)

	require.NoError(t, store1.WriteFragment(context.Background(), "app_users", storage.Fragment{Token: 1500, PartitionKey: []byte("a"), Payload: []byte("v")}))
	require.NoError(t, store1.WriteFragment(context.Background(), "system_local", storage.Fragment{Token: 1500, PartitionKey: []byte("s"), Payload: []byte("v")}))

	id, err := svc1.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)
	status, err := svc1.Await(id, time.Now().Add(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, status)

	assert.Equal(t, 1, store2.Count("app_users"))
	assert.Equal(t, 0, store2.Count("system_local"))
}

func TestSchemaMismatchFailsPeer(t *testing.T) {
	_, nodes := newTestCluster(t, 2)

	// Fake a schema disagreement by lowering the follower's version.
	nodes[1].svc.cfg.SchemaVersion = "schema-v0"
	writeRow(t, nodes[0], "users", 1500, "alice", "v1")

	id, err := nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, awaitJob(t, nodes[0].svc, id))
}

func TestFollowerDuplicateSessionCreate(t *testing.T) {
	_, nodes := newTestCluster(t, 2)

	req := transport.SessionCreateRequest{
		From:          nodes[0].peer,
		SessionID:     1,
		Table:         "users",
		Range:         topology.Range{Start: 0, End: 100},
		MaxRowBufSize: 1 << 10,
	}

	_, err := nodes[1].svc.HandleSessionCreate(context.Background(), req)
	require.NoError(t, err)

	_, err = nodes[1].svc.HandleSessionCreate(context.Background(), req)
	var dup *DuplicateSessionError
	require.ErrorAs(t, err, &dup)
}

func TestGetActiveRepairsEmptyAfterCompletion(t *testing.T) {
	_, nodes := newTestCluster(t, 2)
	writeRow(t, nodes[0], "users", 1500, "alice", "v1")

	id, err := nodes[0].svc.StartRepair(RepairOptions{Keyspace: "app"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, awaitJob(t, nodes[0].svc, id))

	assert.Empty(t, nodes[0].svc.GetActiveRepairs())
}

func TestPeerDownPurgesSessions(t *testing.T) {
	_, nodes := newTestCluster(t, 2)

	req := transport.SessionCreateRequest{
		From:      nodes[0].peer,
		SessionID: 5,
		Table:     "users",
		Range:     topology.Range{Start: 0, End: 100},
	}
	_, err := nodes[1].svc.HandleSessionCreate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, nodes[1].svc.Registry().Count())

	nodes[1].svc.onPeerEvent(topology.PeerEvent{Kind: topology.PeerDown, Peer: nodes[0].peer})
	assert.Equal(t, 0, nodes[1].svc.Registry().Count())
}
