// Package admin exposes the operator HTTP API: starting and following
// repair jobs, driving node operations, and inspecting cluster state.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/nodeops"
	"github.com/caulkdb/caulk/repair"
	"github.com/caulkdb/caulk/topology"
)

// RepairService is the slice of the repair service the API drives.
type RepairService interface {
	StartRepair(opts repair.RepairOptions) (int, error)
	Status(id int) (repair.JobStatus, bool)
	Await(id int, deadline time.Time) (repair.JobStatus, error)
	Progress(id int) (finished, total int64, ok bool)
	Abort(id int) bool
	AbortAll()
	GetActiveRepairs() []int
}

// OpsCoordinator is the slice of the node operation coordinator the API
// drives.
type OpsCoordinator interface {
	Bootstrap(ignore []uint64) (*nodeops.Operation, error)
	Decommission(ignore []uint64) (*nodeops.Operation, error)
	Removenode(deadNodeID uint64, ignore []uint64) (*nodeops.Operation, error)
	Rebuild(ignore []uint64) (*nodeops.Operation, error)
	Replace(deadNodeID uint64, ignore []uint64) (*nodeops.Operation, error)
	Current() (*nodeops.Operation, bool)
	Abort() bool
}

// Handlers carries the dependencies behind the admin routes.
type Handlers struct {
	self     topology.Peer
	svc      RepairService
	ops      OpsCoordinator
	ring     *topology.Ring
	liveness topology.Liveness
}

// NewHandlers creates the admin handler set.
func NewHandlers(self topology.Peer, svc RepairService, ops OpsCoordinator, ring *topology.Ring, liveness topology.Liveness) *Handlers {
	return &Handlers{self: self, svc: svc, ops: ops, ring: ring, liveness: liveness}
}

// timeNow is swapped in tests.
var timeNow = time.Now

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func parseJobID(raw string) (int, error) {
	return strconv.Atoi(raw)
}

func parseNodeID(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

// parseTimeout reads timeout_ms with a default of 2 minutes, capped at
// an hour so a stuck await cannot pin a connection forever.
func parseTimeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return 2 * time.Minute, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if ms < 1 {
		return 0, fmt.Errorf("timeout_ms must be positive")
	}
	d := time.Duration(ms) * time.Millisecond
	if d > time.Hour {
		d = time.Hour
	}
	return d, nil
}

func jobResponse(id int, status repair.JobStatus, finished, total int64) map[string]interface{} {
	return map[string]interface{}{
		"id":              id,
		"status":          status.String(),
		"finished_ranges": finished,
		"total_ranges":    total,
	}
}

func opResponse(op *nodeops.Operation) map[string]interface{} {
	return map[string]interface{}{
		"ops_id":           op.ID,
		"kind":             op.Kind.String(),
		"finished_ranges":  op.FinishedRanges.Load(),
		"total_ranges":     op.TotalRanges.Load(),
		"finished_percent": op.FinishedPercentage(),
	}
}

// repairRequest is the body of POST /repair.
type repairRequest struct {
	Keyspace     string   `json:"keyspace"`
	Tables       []string `json:"tables,omitempty"`
	Ranges       []struct {
		Start uint64 `json:"start"`
		End   uint64 `json:"end"`
	} `json:"ranges,omitempty"`
	PrimaryRange bool     `json:"primary_range,omitempty"`
	Peers        []uint64 `json:"peers,omitempty"`
	Incremental  bool     `json:"incremental,omitempty"`
}

func (req *repairRequest) options() repair.RepairOptions {
	opts := repair.RepairOptions{
		Keyspace:     req.Keyspace,
		Tables:       req.Tables,
		PrimaryRange: req.PrimaryRange,
		Peers:        req.Peers,
		Incremental:  req.Incremental,
	}
	for _, r := range req.Ranges {
		opts.Ranges = append(opts.Ranges, topology.Range{Start: r.Start, End: r.End})
	}
	return opts
}

// opsRequest is the shared body of node operation endpoints.
type opsRequest struct {
	Ignore []uint64 `json:"ignore,omitempty"`
}

func decodeBody[T any](r *http.Request, into *T) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(into)
}

var _ RepairService = (*repair.Service)(nil)
var _ OpsCoordinator = (*nodeops.Coordinator)(nil)
