// Package storage defines the row-fragment read/write contract the repair
// core drives. The actual storage engine and its on-disk formats live
// behind these interfaces; MemStore is the in-memory implementation used
// by tests and the embedded single-process deployment.
package storage

import (
	"context"
)

// Fragment is one row fragment: a partition position plus an opaque
// payload. Fragments sort by (Token, PartitionKey, ClusteringKey) so both
// sides of a repair exchange walk a range in the same order.
type Fragment struct {
	Token         uint64 `msgpack:"t"`
	PartitionKey  []byte `msgpack:"pk"`
	ClusteringKey []byte `msgpack:"ck"`
	Payload       []byte `msgpack:"p"`
}

// SizeBytes returns the in-memory footprint charged against the repair
// memory budget while the fragment is buffered.
func (f Fragment) SizeBytes() int64 {
	return int64(8 + len(f.PartitionKey) + len(f.ClusteringKey) + len(f.Payload))
}

// Less orders fragments by token, then partition key, then clustering key.
func (f Fragment) Less(other Fragment) bool {
	if f.Token != other.Token {
		return f.Token < other.Token
	}
	if c := compareBytes(f.PartitionKey, other.PartitionKey); c != 0 {
		return c < 0
	}
	return compareBytes(f.ClusteringKey, other.ClusteringKey) < 0
}

// SamePosition reports whether two fragments address the same row.
func (f Fragment) SamePosition(other Fragment) bool {
	return f.Token == other.Token &&
		compareBytes(f.PartitionKey, other.PartitionKey) == 0 &&
		compareBytes(f.ClusteringKey, other.ClusteringKey) == 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Iterator walks fragments of a range in (token, partition, clustering)
// order. Implementations are lazy: they must not materialize the whole
// range up front.
type Iterator interface {
	// Next returns the next fragment. ok is false at end of range.
	Next() (frag Fragment, ok bool, err error)
	Close()
}

// Reader supplies fragments of a table range in sorted order.
type Reader interface {
	ReadFragments(ctx context.Context, table string, start, end uint64, wraps bool) (Iterator, error)
}

// Writer applies fragments received from peers.
type Writer interface {
	WriteFragment(ctx context.Context, table string, frag Fragment) error
}

// Store combines both sides of the contract and exposes the table
// catalog so a repair over "all tables" can enumerate its work.
type Store interface {
	Reader
	Writer
	Tables() []string
}

// Flusher is implemented by stores that buffer writes. A repair
// coordinator asks peers to flush before comparing rows so in-flight
// writes destined for it are not misread as divergence.
type Flusher interface {
	Flush(ctx context.Context) error
}
