// Package transport carries the typed control and data messages repair
// peers exchange, the Transport contract the core drives, and two
// implementations: NATS request/reply for clusters and an in-process
// loopback for tests. The wire codec itself (msgpack + zstd) is an
// implementation detail of this package; the core never sees raw bytes.
package transport

import (
	"github.com/caulkdb/caulk/storage"
	"github.com/caulkdb/caulk/topology"
)

// Reason records why a range is being synchronized. It decides the
// direction of row movement: normal repair reconciles both sides, node
// operations stream one way only.
type Reason uint8

const (
	ReasonRepair Reason = iota
	ReasonBootstrap
	ReasonDecommission
	ReasonRemovenode
	ReasonRebuild
	ReasonReplace
)

func (r Reason) String() string {
	switch r {
	case ReasonRepair:
		return "repair"
	case ReasonBootstrap:
		return "bootstrap"
	case ReasonDecommission:
		return "decommission"
	case ReasonRemovenode:
		return "removenode"
	case ReasonRebuild:
		return "rebuild"
	case ReasonReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Bidirectional reports whether rows flow both ways for this reason.
func (r Reason) Bidirectional() bool {
	return r == ReasonRepair
}

// Inbound reports whether the coordinator pulls rows from followers.
func (r Reason) Inbound() bool {
	switch r {
	case ReasonRepair, ReasonBootstrap, ReasonRebuild, ReasonReplace:
		return true
	}
	return false
}

// Outbound reports whether the coordinator pushes rows to followers.
func (r Reason) Outbound() bool {
	switch r {
	case ReasonRepair, ReasonDecommission, ReasonRemovenode:
		return true
	}
	return false
}

// DiffAlgorithm selects how row divergence is detected. Chosen at session
// create time and carried immutably for the session's lifetime.
type DiffAlgorithm uint8

const (
	// DiffSet exchanges full per-row hash sets per buffer window.
	DiffSet DiffAlgorithm = iota
	// DiffTree exchanges bucketed digests first and hash sets only for
	// diverged buckets.
	DiffTree
)

func (a DiffAlgorithm) String() string {
	switch a {
	case DiffSet:
		return "set"
	case DiffTree:
		return "tree"
	default:
		return "unknown"
	}
}

// ShardConfig describes the remote node's shard topology so both sides
// agree on how a range maps onto shards.
type ShardConfig struct {
	Shard      uint32 `msgpack:"s"`
	ShardCount uint32 `msgpack:"c"`
	IgnoreMSB  uint32 `msgpack:"m"`
}

// SessionCreateRequest asks a follower to set up repair session state for
// one (table, range) exchange.
type SessionCreateRequest struct {
	From          topology.Peer  `msgpack:"from"`
	SessionID     uint32         `msgpack:"sid"`
	Table         string         `msgpack:"table"`
	Range         topology.Range `msgpack:"range"`
	Algorithm     DiffAlgorithm  `msgpack:"algo"`
	MaxRowBufSize int64          `msgpack:"buf"`
	Seed          uint64         `msgpack:"seed"`
	Shard         ShardConfig    `msgpack:"shard"`
	SchemaVersion string         `msgpack:"schema"`
	Reason        Reason         `msgpack:"reason"`
}

// SessionCreateResponse acknowledges session setup.
type SessionCreateResponse struct {
	SchemaVersion string `msgpack:"schema"`
}

// SessionRemoveRequest tears down a follower session. Table and range are
// echoed for validation against stale removal messages.
type SessionRemoveRequest struct {
	From      topology.Peer  `msgpack:"from"`
	SessionID uint32         `msgpack:"sid"`
	Table     string         `msgpack:"table"`
	Range     topology.Range `msgpack:"range"`
}

// SessionRemoveResponse acknowledges session teardown.
type SessionRemoveResponse struct{}

// HashesRequest asks a follower for the seeded row hashes of the window
// [Start, End) within its session range.
type HashesRequest struct {
	From      topology.Peer `msgpack:"from"`
	SessionID uint32        `msgpack:"sid"`
	Start     uint64        `msgpack:"start"`
	End       uint64        `msgpack:"end"`
	Wraps     bool          `msgpack:"wraps"`
}

// HashesResponse carries the follower's row hashes for the window.
type HashesResponse struct {
	Hashes []uint64 `msgpack:"hashes"`
}

// RowsRequest pulls full row content for the given row hashes.
type RowsRequest struct {
	From      topology.Peer `msgpack:"from"`
	SessionID uint32        `msgpack:"sid"`
	Hashes    []uint64      `msgpack:"hashes"`
}

// RowsResponse carries requested rows in (token, partition, clustering)
// order so the receiver can stream-merge them.
type RowsResponse struct {
	Rows []storage.Fragment `msgpack:"rows"`
}

// RowsPushRequest streams rows the follower is missing.
type RowsPushRequest struct {
	From      topology.Peer      `msgpack:"from"`
	SessionID uint32             `msgpack:"sid"`
	Rows      []storage.Fragment `msgpack:"rows"`
}

// RowsPushResponse acknowledges applied rows.
type RowsPushResponse struct {
	Applied int `msgpack:"applied"`
}

// SystemTableUpdateRequest signals that a peer's address-mapping metadata
// changed (e.g. its preferred internal address). Idempotent under replay.
type SystemTableUpdateRequest struct {
	From          topology.Peer `msgpack:"from"`
	PreferredAddr string        `msgpack:"preferred"`
}

// SystemTableUpdateResponse acknowledges the update.
type SystemTableUpdateResponse struct{}

// FlushRequest asks a node to flush pending hinted/batched writes destined
// for the requesting peer before repair proceeds.
type FlushRequest struct {
	From topology.Peer `msgpack:"from"`
}

// FlushResponse acknowledges the flush.
type FlushResponse struct{}
