// Package manager provides per-level storage and lookup orchestration
// over immutable SSTables.
//
// The monotonic id counter and the sequence-validation shape here are
// grounded in segmentmanager's file-segment bookkeeping (segment-NNNN.log
// rotation, validateSegmentEntries' contiguous-id check) — repurposed from
// on-disk segment files to in-memory SSTable ids, since this engine keeps
// "disk" heap-resident (spec.md §1).
package manager

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/riverrun/lsmkv/memtable"
	"github.com/riverrun/lsmkv/sstable"
)

// PathStep records one SSTable consulted during a Search, mirroring the
// search path spec.md §4.4/§4.6 require callers be able to inspect.
type PathStep struct {
	Level      int
	TableID    int
	Hit        bool
	BloomSaved bool
}

// SearchResult is the outcome of looking a key up across every level.
type SearchResult struct {
	Record memtable.Record
	Found  bool
	Path   []PathStep
}

// Manager holds a sparse mapping from level number to an ordered list of
// SSTables, plus the id counter new tables are allocated from.
type Manager struct {
	levels map[int][]*sstable.SSTable
	nextID int
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{levels: make(map[int][]*sstable.SSTable)}
}

// Add appends table to level. L0 appends must preserve insertion (flush)
// order — callers append newest last. L>=1 insertions must preserve the
// range-disjointness invariant; Add panics with an InvariantViolation if a
// caller (i.e. a compaction bug) violates it, since only the compaction
// engine is supposed to insert into L>=1 and it guarantees disjointness.
func (m *Manager) Add(level int, table *sstable.SSTable) {
	if level >= 1 {
		for _, existing := range m.levels[level] {
			if rangesOverlap(existing, table) {
				panic(fmt.Sprintf(
					"manager: invariant violation: table %d range [%q,%q] overlaps table %d range [%q,%q] at level %d",
					table.ID, table.MinKey(), table.MaxKey(),
					existing.ID, existing.MinKey(), existing.MaxKey(), level))
			}
		}
	}
	m.levels[level] = append(m.levels[level], table)
}

func rangesOverlap(a, b *sstable.SSTable) bool {
	return bytes.Compare(a.MinKey(), b.MaxKey()) <= 0 && bytes.Compare(b.MinKey(), a.MaxKey()) <= 0
}

// NextID allocates and returns the next monotonically increasing table id.
func (m *Manager) NextID() int {
	m.nextID++
	return m.nextID
}

// Create allocates a new id, builds an SSTable from records, and inserts
// it at level.
func (m *Manager) Create(level int, records []memtable.Record, sparseIndexStep int, bloomFPR float64, createdAt int64) (*sstable.SSTable, error) {
	id := m.NextID()
	tbl, err := sstable.New(id, records, sparseIndexStep, bloomFPR, createdAt)
	if err != nil {
		return nil, fmt.Errorf("manager: failed to create sstable at level %d: %w", level, err)
	}
	m.Add(level, tbl)
	return tbl, nil
}

// GetLevel returns the current list of tables at level, newest-appended
// last.
func (m *Manager) GetLevel(level int) []*sstable.SSTable {
	return m.levels[level]
}

// Levels returns the sorted list of populated level numbers.
func (m *Manager) Levels() []int {
	out := make([]int, 0, len(m.levels))
	for l, tables := range m.levels {
		if len(tables) > 0 {
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}

// HighestPopulated returns the greatest level number with at least one
// table, or -1 if the manager is empty. Used by the compaction engine's
// tombstone-drop policy (spec.md §4.5 step 5).
func (m *Manager) HighestPopulated() int {
	highest := -1
	for l, tables := range m.levels {
		if len(tables) > 0 && l > highest {
			highest = l
		}
	}
	return highest
}

// Clear removes every table from level.
func (m *Manager) Clear(level int) {
	delete(m.levels, level)
}

// ClearAll removes every table from every level and resets the id counter.
func (m *Manager) ClearAll() {
	m.levels = make(map[int][]*sstable.SSTable)
	m.nextID = 0
}

// Replace atomically removes oldSrc from srcLevel and oldDst from
// dstLevel, then inserts output at dstLevel — the compaction engine's
// step 6 swap, performed here so no intermediate state is ever visible to
// a concurrent Search (spec.md §4.5 step 6, §5).
func (m *Manager) Replace(srcLevel int, oldSrc []*sstable.SSTable, dstLevel int, oldDst []*sstable.SSTable, output *sstable.SSTable) {
	m.levels[srcLevel] = removeAll(m.levels[srcLevel], oldSrc)
	m.levels[dstLevel] = removeAll(m.levels[dstLevel], oldDst)
	if output != nil {
		m.levels[dstLevel] = append(m.levels[dstLevel], output)
	}
}

func removeAll(list []*sstable.SSTable, remove []*sstable.SSTable) []*sstable.SSTable {
	drop := make(map[int]bool, len(remove))
	for _, t := range remove {
		drop[t.ID] = true
	}

	out := list[:0:0]
	for _, t := range list {
		if !drop[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// Search iterates levels in ascending order. Level 0 is scanned
// newest-first (insertion order reversed) since L0 tables may overlap and
// the newest flush must win; L>=1 tables are range-filtered before the
// (guaranteed unique) candidate is probed. The first hit found wins and
// the full path traveled is returned either way.
func (m *Manager) Search(key []byte) SearchResult {
	var path []PathStep

	for _, level := range m.Levels() {
		tables := m.levels[level]

		order := make([]*sstable.SSTable, len(tables))
		copy(order, tables)
		if level == 0 {
			reverse(order)
		}

		for _, t := range order {
			if level >= 1 && !t.ContainsInRange(key) {
				continue
			}

			lookup := t.Get(key)
			path = append(path, PathStep{Level: level, TableID: t.ID, Hit: lookup.Found, BloomSaved: lookup.BloomSaved})

			if lookup.Found {
				return SearchResult{Record: lookup.Record, Found: true, Path: path}
			}
		}
	}

	return SearchResult{Path: path}
}

func reverse(s []*sstable.SSTable) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
