package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caulkdb/caulk/nodeops"
	"github.com/caulkdb/caulk/repair"
	"github.com/caulkdb/caulk/topology"
)

type fakeRepairService struct {
	lastOpts repair.RepairOptions
	startErr error
	status   repair.JobStatus
	known    map[int]bool
	aborted  []int
}

func (f *fakeRepairService) StartRepair(opts repair.RepairOptions) (int, error) {
	f.lastOpts = opts
	if f.startErr != nil {
		return 0, f.startErr
	}
	return 42, nil
}

func (f *fakeRepairService) Status(id int) (repair.JobStatus, bool) {
	return f.status, f.known[id]
}

func (f *fakeRepairService) Await(id int, _ time.Time) (repair.JobStatus, error) {
	if !f.known[id] {
		return 0, repair.ErrSessionNotFound
	}
	if !f.status.Terminal() {
		return 0, repair.ErrTimeout
	}
	return f.status, nil
}

func (f *fakeRepairService) Progress(id int) (int64, int64, bool) {
	return 3, 8, f.known[id]
}

func (f *fakeRepairService) Abort(id int) bool {
	if !f.known[id] {
		return false
	}
	f.aborted = append(f.aborted, id)
	return true
}

func (f *fakeRepairService) AbortAll() {}

func (f *fakeRepairService) GetActiveRepairs() []int { return []int{42} }

type fakeOps struct {
	op      *nodeops.Operation
	current bool
}

func (f *fakeOps) Bootstrap([]uint64) (*nodeops.Operation, error)    { return f.op, nil }
func (f *fakeOps) Decommission([]uint64) (*nodeops.Operation, error) { return f.op, nil }
func (f *fakeOps) Rebuild([]uint64) (*nodeops.Operation, error)      { return f.op, nil }
func (f *fakeOps) Removenode(id uint64, _ []uint64) (*nodeops.Operation, error) {
	return f.op, nil
}
func (f *fakeOps) Replace(id uint64, _ []uint64) (*nodeops.Operation, error) {
	return f.op, nil
}
func (f *fakeOps) Current() (*nodeops.Operation, bool) { return f.op, f.current }
func (f *fakeOps) Abort() bool                         { return f.current }

func testServer(t *testing.T, svc RepairService, ops OpsCoordinator) *httptest.Server {
	t.Helper()

	ring := topology.NewRing(2, 1)
	liveness := topology.NewStaticLiveness()
	self := topology.Peer{NodeID: 1, Addr: "n1"}
	ring.AddPeerAt(self, []topology.Token{1000})
	ring.AddPeerAt(topology.Peer{NodeID: 2, Addr: "n2"}, []topology.Token{2000})
	liveness.MarkUp(self)

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(self, svc, ops, ring, liveness))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStartRepairEndpoint(t *testing.T) {
	svc := &fakeRepairService{status: repair.StatusRunning, known: map[int]bool{42: true}}
	srv := testServer(t, svc, &fakeOps{})

	body := `{"keyspace":"app","tables":["users"],"primary_range":true,"incremental":true}`
	resp, err := http.Post(srv.URL+"/admin/repair/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "app", svc.lastOpts.Keyspace)
	assert.Equal(t, []string{"users"}, svc.lastOpts.Tables)
	assert.True(t, svc.lastOpts.PrimaryRange)
	assert.True(t, svc.lastOpts.Incremental)
}

func TestRepairStatusEndpoint(t *testing.T) {
	svc := &fakeRepairService{status: repair.StatusSucceeded, known: map[int]bool{42: true}}
	srv := testServer(t, svc, &fakeOps{})

	resp, err := http.Get(srv.URL + "/admin/repair/42")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/admin/repair/7")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestRepairAwaitTimesOut(t *testing.T) {
	svc := &fakeRepairService{status: repair.StatusRunning, known: map[int]bool{42: true}}
	srv := testServer(t, svc, &fakeOps{})

	resp, err := http.Get(srv.URL + "/admin/repair/42/await?timeout_ms=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestRepairAbortEndpoint(t *testing.T) {
	svc := &fakeRepairService{status: repair.StatusRunning, known: map[int]bool{42: true}}
	srv := testServer(t, svc, &fakeOps{})

	resp, err := http.Post(srv.URL+"/admin/repair/42/abort", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int{42}, svc.aborted)
}

func TestNodeOpEndpoints(t *testing.T) {
	ops := &fakeOps{op: &nodeops.Operation{ID: 5, Kind: nodeops.KindRemovenode}}
	srv := testServer(t, &fakeRepairService{known: map[int]bool{}}, ops)

	resp, err := http.Post(srv.URL+"/admin/ops/removenode/3", "application/json", strings.NewReader(`{"ignore":[4]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Bad node id is rejected before launching anything.
	resp2, err := http.Post(srv.URL+"/admin/ops/removenode/abc", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestCurrentOpEndpoint(t *testing.T) {
	srv := testServer(t, &fakeRepairService{known: map[int]bool{}}, &fakeOps{current: false})

	resp, err := http.Get(srv.URL + "/admin/ops/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClusterMembersEndpoint(t *testing.T) {
	srv := testServer(t, &fakeRepairService{known: map[int]bool{}}, &fakeOps{})

	resp, err := http.Get(srv.URL + "/admin/cluster/members")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
