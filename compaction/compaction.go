// Package compaction implements the leveled compaction engine: a k-way
// merge across two adjacent levels that deduplicates by recency, applies
// the tombstone-drop policy, and records write-amplification accounting.
//
// The heap-driven merge shape — one iterator per source table, pushed
// into a container/heap min-heap, repeatedly popped for the next key in
// order — is grounded in the reference pack's
// ChinmayNoob-lsm-go compaction.go, which merges SSTable iterators the
// same way to produce a single sorted output stream. container/heap is
// standard library; no dependency in the teacher or the wider pack
// supplies a priority queue more suited to this merge than the one the
// standard library already provides.
package compaction

import (
	"bytes"
	"container/heap"
	"fmt"

	"github.com/riverrun/lsmkv/manager"
	"github.com/riverrun/lsmkv/memtable"
	"github.com/riverrun/lsmkv/sstable"
)

// Thresholds maps a source level to the table-count threshold that
// triggers compacting it into the next level. Level numbers at or past
// the highest explicit entry share that entry's threshold (spec.md §4.5:
// "T[L>=3]=1000").
type Thresholds map[int]int

// DefaultThresholds matches spec.md §6's configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{0: 4, 1: 10, 2: 100, 3: 1000}
}

// Threshold returns the trigger threshold for level, falling back to the
// highest configured entry for any level beyond what was explicitly set.
func (t Thresholds) Threshold(level int) int {
	if v, ok := t[level]; ok {
		return v
	}

	highestLevel, highestValue := -1, 1000
	for l, v := range t {
		if l > highestLevel {
			highestLevel, highestValue = l, v
		}
	}
	return highestValue
}

// Entry records one completed compaction for the history log and for
// write-amplification accounting (spec.md §4.5 step 7).
type Entry struct {
	SourceLevel      int
	TargetLevel      int
	SourceTableCount int
	TargetTableCount int
	OutputRecords    int
	InputBytes       int64
	OutputBytes      int64
	DuplicatesRemoved int
	WallTime         int64 // value of the injected clock when the compaction completed
}

// Ratio is this entry's own output/input byte ratio (one of the two
// write-amplification formulas spec.md §9's Open Question leaves
// unresolved; Engine.WriteAmplification below surfaces the cumulative
// formula instead — see DESIGN.md).
func (e Entry) Ratio() float64 {
	if e.InputBytes == 0 {
		return 0
	}
	return float64(e.OutputBytes) / float64(e.InputBytes)
}

// Engine merges SSTables across adjacent levels and tracks the resulting
// compaction history.
type Engine struct {
	mgr             *manager.Manager
	sparseIndexStep int
	bloomFPR        float64
	history         []Entry
	totalInputBytes int64
	totalOutputBytes int64
	nowFn           func() int64
}

// New builds a compaction engine operating against mgr. now is called once
// per completed compaction for its wall-time accounting and for the
// output table's CreatedAt stamp; spec.md forbids wall-clock sourcing of
// indeterminism inside the library itself (Date.now()-style calls are the
// caller's concern), so this is injected rather than read from time.Now
// directly.
func New(mgr *manager.Manager, sparseIndexStep int, bloomFPR float64, now func() int64) *Engine {
	return &Engine{mgr: mgr, sparseIndexStep: sparseIndexStep, bloomFPR: bloomFPR, nowFn: now}
}

// ErrEmptySource is returned when Compact is asked to merge an empty
// source level (spec.md §4.5 step 1, §7 PreconditionError).
var ErrEmptySource = fmt.Errorf("compaction: source level is empty")

// iteratorEntry is one source table's current unread record, tagged with
// the recency rank used to break same-key ties: lower level number is
// newer, and within the same level a later-inserted table (encountered
// later while building iterators) is newer.
type iteratorEntry struct {
	records []memtable.Record
	pos     int
	rank    int // lower is newer
}

func (it *iteratorEntry) done() bool { return it.pos >= len(it.records) }
func (it *iteratorEntry) current() memtable.Record { return it.records[it.pos] }

// mergeHeap is a min-heap ordered by (key, rank): the same key from two
// sources breaks ties toward the newer (lower-rank) source, so the
// newest record for any key surfaces first in the merged stream.
type mergeHeap []*iteratorEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareBytes(h[i].current().Key, h[j].current().Key)
	if c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*iteratorEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func compareBytes(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Compact merges every table at srcLevel with every dstLevel table whose
// range overlaps them, dedupes by recency, applies the tombstone-drop
// policy, and atomically swaps the results into the manager, following
// the algorithm in spec.md §4.5.
func (e *Engine) Compact(srcLevel, dstLevel int) (Entry, error) {
	src := e.mgr.GetLevel(srcLevel)
	if len(src) == 0 {
		return Entry{}, ErrEmptySource
	}

	overlapping := overlappingTargets(src, e.mgr.GetLevel(dstLevel))

	sources := make([]*iteratorEntry, 0, len(src)+len(overlapping))
	// Source level tables are newer than target level tables; within
	// srcLevel, later entries in the slice were flushed later and are
	// newer still, so earlier rank values go to later-indexed tables.
	for i, t := range src {
		sources = append(sources, &iteratorEntry{records: t.Records(), rank: len(src) - i})
	}
	for _, t := range overlapping {
		sources = append(sources, &iteratorEntry{records: t.Records(), rank: len(src) + 1})
	}

	merged, duplicatesRemoved := mergeByRecency(sources)

	highest := e.mgr.HighestPopulated()
	dropTombstones := dstLevel >= highest
	output := applyTombstonePolicy(merged, dropTombstones)

	var inputBytes int64
	for _, t := range src {
		inputBytes += t.EstimatedSize()
	}
	for _, t := range overlapping {
		inputBytes += t.EstimatedSize()
	}

	now := e.nowFn()

	var outTable *sstable.SSTable
	var outputBytes int64
	if len(output) > 0 {
		var err error
		outTable, err = sstable.New(e.mgr.NextID(), output, e.sparseIndexStep, e.bloomFPR, now)
		if err != nil {
			return Entry{}, fmt.Errorf("compaction: failed to build output table: %w", err)
		}
		outputBytes = outTable.EstimatedSize()
	} else {
		// A fully-tombstoned compaction still consumes its id allocation
		// slot's absence gracefully: no output table, inputs still removed.
		_ = e.mgr.NextID()
	}

	e.mgr.Replace(srcLevel, src, dstLevel, overlapping, outTable)

	entry := Entry{
		SourceLevel:       srcLevel,
		TargetLevel:       dstLevel,
		SourceTableCount:  len(src),
		TargetTableCount:  len(overlapping),
		OutputRecords:     len(output),
		InputBytes:        inputBytes,
		OutputBytes:       outputBytes,
		DuplicatesRemoved: duplicatesRemoved,
		WallTime:          now,
	}

	e.history = append(e.history, entry)
	e.totalInputBytes += inputBytes
	e.totalOutputBytes += outputBytes

	return entry, nil
}

func overlappingTargets(src []*sstable.SSTable, dst []*sstable.SSTable) []*sstable.SSTable {
	minKey, maxKey := src[0].MinKey(), src[0].MaxKey()
	for _, t := range src[1:] {
		if compareBytes(t.MinKey(), minKey) < 0 {
			minKey = t.MinKey()
		}
		if compareBytes(t.MaxKey(), maxKey) > 0 {
			maxKey = t.MaxKey()
		}
	}

	out := make([]*sstable.SSTable, 0)
	for _, t := range dst {
		if compareBytes(t.MinKey(), maxKey) <= 0 && compareBytes(minKey, t.MaxKey()) <= 0 {
			out = append(out, t)
		}
	}
	return out
}

// mergeByRecency performs the k-way merge over sources and, for each run
// of equal keys, retains only the newest record (spec.md §4.5 steps 3-4).
func mergeByRecency(sources []*iteratorEntry) ([]memtable.Record, int) {
	h := &mergeHeap{}
	for _, it := range sources {
		if !it.done() {
			heap.Push(h, it)
		}
	}

	var out []memtable.Record
	duplicatesRemoved := 0

	for h.Len() > 0 {
		it := heap.Pop(h).(*iteratorEntry)
		rec := it.current()

		if len(out) > 0 && compareBytes(out[len(out)-1].Key, rec.Key) == 0 {
			duplicatesRemoved++
		} else {
			out = append(out, rec)
		}

		it.pos++
		if !it.done() {
			heap.Push(h, it)
		}
	}

	return out, duplicatesRemoved
}

// applyTombstonePolicy drops tombstones from merged when dropTombstones is
// set — i.e. the target is (at least) the highest currently populated
// level, so there is no deeper level left for the tombstone to shadow
// (spec.md §4.5 step 5, using the scope's accepted simplification: always
// drop when no older copy exists below the target).
func applyTombstonePolicy(merged []memtable.Record, dropTombstones bool) []memtable.Record {
	if !dropTombstones {
		return merged
	}

	out := merged[:0:0]
	for _, r := range merged {
		if r.Tombstone {
			continue
		}
		out = append(out, r)
	}
	return out
}

// History returns the compaction history log, oldest first.
func (e *Engine) History() []Entry { return e.history }

// WriteAmplification is the cumulative lifetime ratio: the sum of output
// bytes across every compaction divided by the sum of input bytes. This
// is the formula this implementation surfaces for Stats.WriteAmplification
// (spec.md §9's Open Question; per-compaction ratios remain available via
// Entry.Ratio).
func (e *Engine) WriteAmplification() float64 {
	if e.totalInputBytes == 0 {
		return 0
	}
	return float64(e.totalOutputBytes) / float64(e.totalInputBytes)
}

// TotalOutputBytes and TotalInputBytes expose the running sums that back
// WriteAmplification; both are monotonically non-decreasing across
// compactions (spec.md §8 property 10).
func (e *Engine) TotalOutputBytes() int64 { return e.totalOutputBytes }
func (e *Engine) TotalInputBytes() int64  { return e.totalInputBytes }

// Reset clears the compaction history and byte accounting, used by the
// engine's Clear operation.
func (e *Engine) Reset() {
	e.history = nil
	e.totalInputBytes = 0
	e.totalOutputBytes = 0
}
