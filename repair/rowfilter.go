package repair

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/linvon/cuckoo-filter"
)

const (
	appliedBucketSize      = 4
	appliedFingerprintSize = 16
	appliedNumBuckets      = 65536 // 256k row hashes per round
)

// AppliedFilter remembers which row hashes a repair round already applied
// locally. A retried range replays the same row batches; the filter lets
// the apply path skip rewrites of rows that already landed. False
// positives only skip a redundant overwrite, so a compact filter beats an
// exact set here.
type AppliedFilter struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
}

// NewAppliedFilter creates an empty filter sized for one round.
func NewAppliedFilter() *AppliedFilter {
	return &AppliedFilter{
		filter: cuckoo.NewFilter(appliedBucketSize, appliedFingerprintSize,
			appliedNumBuckets, cuckoo.TableTypePacked),
	}
}

// MarkApplied records a row hash. Returns false if the hash was already
// present (the row needs no re-apply).
func (f *AppliedFilter) MarkApplied(rowHash uint64) bool {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], rowHash)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filter.Contain(buf[:]) {
		return false
	}
	f.filter.Add(buf[:])
	return true
}
