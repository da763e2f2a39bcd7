package storage

import (
	"context"
	"sort"
	"sync"
)

// MemStore is a sorted in-memory fragment store. Writes keep per-table
// slices sorted; readers iterate over a snapshot so a concurrent repair
// apply cannot invalidate an in-flight scan.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string][]Fragment
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string][]Fragment)}
}

// WriteFragment inserts or replaces the fragment at its row position.
func (m *MemStore) WriteFragment(_ context.Context, table string, frag Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	frags := m.tables[table]
	idx := sort.Search(len(frags), func(i int) bool { return !frags[i].Less(frag) })
	if idx < len(frags) && frags[idx].SamePosition(frag) {
		frags[idx] = frag
		return nil
	}

	frags = append(frags, Fragment{})
	copy(frags[idx+1:], frags[idx:])
	frags[idx] = frag
	m.tables[table] = frags
	return nil
}

// ReadFragments returns a lazy iterator over the fragments of the range,
// in sorted order. A wrapping range yields the tail of the ring first,
// then the head, matching range order.
func (m *MemStore) ReadFragments(_ context.Context, table string, start, end uint64, wraps bool) (Iterator, error) {
	m.mu.RLock()
	frags := make([]Fragment, len(m.tables[table]))
	copy(frags, m.tables[table])
	m.mu.RUnlock()

	var selected []Fragment
	if !wraps {
		for _, f := range frags {
			if f.Token >= start && f.Token < end {
				selected = append(selected, f)
			}
		}
	} else {
		for _, f := range frags {
			if f.Token >= start {
				selected = append(selected, f)
			}
		}
		for _, f := range frags {
			if f.Token < end {
				selected = append(selected, f)
			}
		}
	}

	return &sliceIterator{frags: selected}, nil
}

// Tables returns the table names with at least one fragment, sorted.
func (m *MemStore) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flush is a no-op: MemStore writes are immediately visible.
func (m *MemStore) Flush(_ context.Context) error {
	return nil
}

// Count returns the number of fragments stored for a table.
func (m *MemStore) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

type sliceIterator struct {
	frags []Fragment
	pos   int
}

func (it *sliceIterator) Next() (Fragment, bool, error) {
	if it.pos >= len(it.frags) {
		return Fragment{}, false, nil
	}
	f := it.frags[it.pos]
	it.pos++
	return f, true, nil
}

func (it *sliceIterator) Close() {}
