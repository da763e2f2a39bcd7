package repair

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/caulkdb/caulk/storage"
)

// Hasher computes seeded row fingerprints. Both sides of a session use the
// same seed so directed comparisons agree; a fresh seed per repair job
// keeps an adversarial or degenerate key distribution from colliding the
// same way twice.
type Hasher struct {
	seed uint64
}

// NewHasher creates a hasher for the given session seed.
func NewHasher(seed uint64) *Hasher {
	return &Hasher{seed: seed}
}

// HashRow fingerprints a fragment by position and content.
func (h *Hasher) HashRow(frag storage.Fragment) uint64 {
	var d xxhash.Digest
	d.Reset()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.seed)
	_, _ = d.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], frag.Token)
	_, _ = d.Write(buf[:])
	_, _ = d.Write(frag.PartitionKey)
	_, _ = d.Write(frag.ClusteringKey)
	_, _ = d.Write(frag.Payload)

	return d.Sum64()
}

// CombineDigest folds a row hash into a running bucket digest. XOR keeps
// the digest independent of row order within the bucket.
func CombineDigest(digest, rowHash uint64) uint64 {
	return digest ^ rowHash
}
