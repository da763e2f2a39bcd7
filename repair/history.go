package repair

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/encoding"
	"github.com/caulkdb/caulk/hlc"
	"github.com/caulkdb/caulk/topology"
)

// HistoryStore records, per table and range, the last time the range was
// successfully repaired. Entries are monotonic per range: a concurrent
// update from another round keeps the maximum time. Backed by Pebble when
// a db is supplied; memory-only otherwise (tests, ephemeral nodes).
type HistoryStore struct {
	db *pebble.DB

	mu       sync.Mutex
	repaired map[string]map[topology.Range]hlc.Timestamp
	rounds   map[uint64]map[string]map[topology.Range]struct{}
}

// NewHistoryStore creates a store. db may be nil for memory-only use.
func NewHistoryStore(db *pebble.DB) *HistoryStore {
	return &HistoryStore{
		db:       db,
		repaired: make(map[string]map[topology.Range]hlc.Timestamp),
		rounds:   make(map[uint64]map[string]map[topology.Range]struct{}),
	}
}

// OpenHistoryStore opens (or creates) the persistent store at path.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return NewHistoryStore(db), nil
}

func historyKey(table string, rng topology.Range) []byte {
	key := make([]byte, 0, len(table)+17)
	key = append(key, table...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, rng.Start)
	key = binary.BigEndian.AppendUint64(key, rng.End)
	return key
}

func parseHistoryKey(key []byte) (string, topology.Range, bool) {
	if len(key) < 17 {
		return "", topology.Range{}, false
	}
	split := len(key) - 17
	if key[split] != 0 {
		return "", topology.Range{}, false
	}
	return string(key[:split]), topology.Range{
		Start: binary.BigEndian.Uint64(key[split+1:]),
		End:   binary.BigEndian.Uint64(key[split+9:]),
	}, true
}

// Update records that rng finished for round roundID as of t. Only called
// once every peer involved in the range's exchange reached terminal
// success, so recording here never advances history past a partial
// attempt. Returns the previously recorded time, if any.
func (h *HistoryStore) Update(roundID uint64, table string, rng topology.Range, t hlc.Timestamp) (hlc.Timestamp, bool, error) {
	h.mu.Lock()

	round := h.rounds[roundID]
	if round == nil {
		round = make(map[string]map[topology.Range]struct{})
		h.rounds[roundID] = round
	}
	if round[table] == nil {
		round[table] = make(map[topology.Range]struct{})
	}
	round[table][rng] = struct{}{}

	tbl := h.repaired[table]
	if tbl == nil {
		tbl = make(map[topology.Range]hlc.Timestamp)
		h.repaired[table] = tbl
	}

	prev, hadPrev := tbl[rng]
	merged := t
	if hadPrev {
		merged = hlc.Max(prev, t)
	}
	tbl[rng] = merged
	h.mu.Unlock()

	if err := h.persist(table, rng, merged); err != nil {
		return prev, hadPrev, err
	}

	log.Debug().
		Uint64("round", roundID).
		Str("table", table).
		Stringer("range", rng).
		Str("repair_time", merged.String()).
		Msg("Repair history updated")
	return prev, hadPrev, nil
}

// Cleanup discards round-scoped bookkeeping after the round concludes.
// Must be called on both success and failure so entries never leak across
// rounds.
func (h *HistoryStore) Cleanup(roundID uint64) {
	h.mu.Lock()
	delete(h.rounds, roundID)
	h.mu.Unlock()
}

// RoundFinishedRanges returns how many ranges the round recorded for the
// table so far.
func (h *HistoryStore) RoundFinishedRanges(roundID uint64, table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds[roundID][table])
}

// LastRepaired returns the recorded repair time for a range.
func (h *HistoryStore) LastRepaired(table string, rng topology.Range) (hlc.Timestamp, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.repaired[table][rng]
	return t, ok
}

// Load hydrates the in-memory view from persistent storage. Called once
// at service start so an interrupted incremental repair can resume
// without re-repairing converged ranges.
func (h *HistoryStore) Load() error {
	if h.db == nil {
		return nil
	}

	iter, err := h.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("failed to iterate history store: %w", err)
	}
	defer iter.Close()

	loaded := 0
	h.mu.Lock()
	defer h.mu.Unlock()
	for iter.First(); iter.Valid(); iter.Next() {
		table, rng, ok := parseHistoryKey(iter.Key())
		if !ok {
			log.Warn().Hex("key", iter.Key()).Msg("Skipping malformed history key")
			continue
		}

		var t hlc.Timestamp
		if err := encoding.Unmarshal(iter.Value(), &t); err != nil {
			log.Warn().Err(err).Str("table", table).Stringer("range", rng).Msg("Skipping unreadable history entry")
			continue
		}

		if h.repaired[table] == nil {
			h.repaired[table] = make(map[topology.Range]hlc.Timestamp)
		}
		h.repaired[table][rng] = t
		loaded++
	}

	log.Info().Int("entries", loaded).Msg("Repair history loaded")
	return nil
}

func (h *HistoryStore) persist(table string, rng topology.Range, t hlc.Timestamp) error {
	if h.db == nil {
		return nil
	}
	val, err := encoding.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}
	if err := h.db.Set(historyKey(table, rng), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist history entry: %w", err)
	}
	return nil
}

// Close releases the underlying db, if any.
func (h *HistoryStore) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}
