// Package lsm is the engine facade: it coordinates the memtable, the
// SSTable manager, and the compaction engine behind the put/get/delete
// API spec.md §4.6 describes, and exposes statistics and synchronous
// observer events.
//
// The public surface mirrors the teacher's main.go DB interface
// (Put/Get/Delete) plus the engine-level operations (Compact, Clear,
// Stats) spec.md adds; Command/CommandInsert/CommandUpdate/CommandDelete
// are the same outcome tags main.go declared, reused here as the
// INSERT/UPDATE/DELETE classification Put and Delete report.
package lsm

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/riverrun/lsmkv/compaction"
	"github.com/riverrun/lsmkv/manager"
	"github.com/riverrun/lsmkv/memtable"
)

// Command mirrors main.go's outcome enum: every Put/Delete classifies
// itself as one of these.
type Command int

const (
	CommandUnknown Command = iota
	CommandInsert
	CommandUpdate
	CommandDelete
)

func (c Command) String() string {
	switch c {
	case CommandInsert:
		return "INSERT"
	case CommandUpdate:
		return "UPDATE"
	case CommandDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors for the UsageError/PreconditionError taxonomy in
// spec.md §7: returned to the caller, never thrown through, no state
// change on either.
var (
	ErrEmptyKey          = errors.New("lsm: key must not be empty")
	ErrSourceLevelEmpty  = compaction.ErrEmptySource
	ErrReentrantObserver = errors.New("lsm: observer re-entered the engine during callback delivery")
)

// InvariantError is an error type for a violated storage invariant. No code
// in this module constructs it: the invariant checks in sstable.New
// (duplicate key after sort) and manager.Add (overlapping ranges at L>=1)
// panic with a plain string message, Tree does not recover those panics,
// and they propagate to the caller of the operation that hit them. Tree
// keeps no record of such a panic and accepts further operations.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return "lsm: invariant violation: " + e.Message }

// FlushDescriptor describes one memtable-to-L0 flush.
type FlushDescriptor struct {
	Level         int
	TableID       int
	RecordCount   int
	MinKey        []byte
	MaxKey        []byte
	EstimatedSize int64
}

// PutResult is returned by Put and Delete.
type PutResult struct {
	Success     bool
	Outcome     Command
	Flushed     bool
	Flush       *FlushDescriptor
	Compacted   bool
	Compactions []compaction.Entry
	DurationMS  float64
	Complexity  string
}

// GetResult is returned by Get.
type GetResult struct {
	Success    bool
	Found      bool
	Value      []byte
	Tombstoned bool
	Path       []StepDescriptor
	DurationMS float64
}

// StepDescriptor is one stop along a Get's search path: the memtable
// probe, or one SSTable consulted by the manager.
type StepDescriptor struct {
	Source     string // "memtable" or "sstable"
	Level      int
	TableID    int
	Hit        bool
	BloomSaved bool
}

// CompactResult is returned by Compact.
type CompactResult struct {
	Success    bool
	Err        error
	Entry      compaction.Entry
	DurationMS float64
}

// StatsResult is returned by Stats.
type StatsResult struct {
	PutCount            int
	GetCount            int
	DeleteCount         int
	HitCount            int
	MissCount           int
	MemtableSize        int
	MemtableHeight      int
	MemtableBytes       int64
	LevelTableCounts    map[int]int
	LevelByteEstimate   map[int]int64
	CompactionCount     int
	CompactionHistory   []compaction.Entry
	WriteAmplification  float64
	BloomEffectiveness  BloomSummary
}

// BloomSummary aggregates bloom-filter effectiveness across every
// SSTable currently held by the engine.
type BloomSummary struct {
	TableCount         int
	TotalInserted      uint
	AverageFillRatio   float64
	AverageTheoretical float64
}

// Tree is the LSM tree facade.
type Tree struct {
	cfg        Config
	mem        memtable.Memtable
	mgr        *manager.Manager
	compactor  *compaction.Engine
	logger     *log.Logger
	clock      func() int64

	onInsert     Observer
	onFlush      Observer
	onRead       Observer
	onCompaction Observer
	inCallback   bool

	diagnostics []string

	puts, gets, deletes, hits, misses int
}

// TreeOption configures a Tree at construction (beyond Config itself).
type TreeOption func(*Tree)

// WithLogger attaches a standard library logger for diagnostic output —
// the same ambient level the teacher reaches for (fmt.Println debug
// dumps, fmt.Fprintf(os.Stderr, ...) in its WAL writer loop) rather than a
// structured logging façade it never imports.
func WithLogger(l *log.Logger) TreeOption {
	return func(t *Tree) { t.logger = l }
}

// WithClock overrides the logical timestamp source. The default is a
// monotonically incrementing sequence number, matching the "implementers
// may replace wall-clock with a monotonic sequence number" note in
// spec.md §9; callers that want wall-clock recency can pass
// func() int64 { return time.Now().UnixNano() }.
func WithClock(clock func() int64) TreeOption {
	return func(t *Tree) { t.clock = clock }
}

// WithObservers wires the four named event channels spec.md §4.6
// defines. Passing nil for any of them leaves that channel unwired.
func WithObservers(onInsert, onFlush, onRead, onCompaction Observer) TreeOption {
	return func(t *Tree) {
		t.onInsert = onInsert
		t.onFlush = onFlush
		t.onRead = onRead
		t.onCompaction = onCompaction
	}
}

// New constructs an empty engine.
func New(cfg Config, opts ...TreeOption) *Tree {
	mgr := manager.New()

	seq := int64(0)
	t := &Tree{
		cfg:       cfg,
		mem:       memtable.NewSkipList(cfg.MaxSkipListLevel, cfg.SkipListPromotionP),
		mgr:       mgr,
		clock:     func() int64 { seq++; return seq },
	}
	t.compactor = compaction.New(mgr, cfg.SSTableSparseIndexStep, cfg.BloomFilterTargetFPR, func() int64 { return t.clock() })

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Tree) dispatch(kind EventKind, ev Event) {
	var observer Observer
	switch kind {
	case EventMemtableInsert:
		observer = t.onInsert
	case EventMemtableFlush:
		observer = t.onFlush
	case EventRead:
		observer = t.onRead
	case EventCompaction:
		observer = t.onCompaction
	}
	if observer == nil {
		return
	}

	if t.inCallback {
		// An observer calling back into the engine during its own
		// delivery is a usage error we refuse rather than deadlock or
		// corrupt state on (spec.md §5: "Observers must not re-enter").
		panic(ErrReentrantObserver)
	}

	t.inCallback = true
	defer func() {
		t.inCallback = false
		if r := recover(); r != nil {
			if r == ErrReentrantObserver {
				panic(r)
			}
			// Quarantine: the observer errored, the operation still
			// succeeds (spec.md §7 ObserverError policy).
			t.diagnostics = append(t.diagnostics, fmt.Sprintf("observer panic on %s: %v", kind, r))
			if len(t.diagnostics) > 100 {
				t.diagnostics = t.diagnostics[len(t.diagnostics)-100:]
			}
			if t.logger != nil {
				t.logger.Printf("lsm: observer error on %s event: %v", kind, r)
			}
		}
	}()

	ev.Kind = kind
	observer(ev)
}

// Put inserts or overwrites key with value, flushing and auto-compacting
// as thresholds require, all completed before this call returns
// (spec.md §4.6, §5).
func (t *Tree) Put(key, value []byte) (PutResult, error) {
	start := time.Now()

	if len(key) == 0 {
		return PutResult{}, ErrEmptyKey
	}

	t.puts++
	outcome, _ := t.mem.Put(key, value, t.clock())
	cmd := CommandInsert
	if outcome == memtable.Update {
		cmd = CommandUpdate
	}

	t.dispatch(EventMemtableInsert, Event{Key: key, Outcome: outcome})

	result := PutResult{Success: true, Outcome: cmd, Complexity: "O(log n)"}

	if t.mem.Size() >= t.cfg.MemtableThreshold {
		desc, err := t.flush()
		if err != nil {
			return PutResult{}, err
		}
		result.Flushed = true
		result.Flush = desc
	}

	compactions, err := t.autoCompact()
	if err != nil {
		return PutResult{}, err
	}
	if len(compactions) > 0 {
		result.Compacted = true
		result.Compactions = compactions
	}

	result.DurationMS = elapsedMS(start)
	return result, nil
}

// Delete inserts a tombstone for key. An empty key is rejected with
// ErrEmptyKey; for any other key a delete of an already-deleted or
// never-written key succeeds and is idempotent (spec.md §8 property 3).
func (t *Tree) Delete(key []byte) (PutResult, error) {
	start := time.Now()

	if len(key) == 0 {
		return PutResult{}, ErrEmptyKey
	}

	t.deletes++
	t.mem.Delete(key, t.clock())

	t.dispatch(EventMemtableInsert, Event{Key: key, Outcome: memtable.Insert})

	result := PutResult{Success: true, Outcome: CommandDelete, Complexity: "O(log n)"}

	if t.mem.Size() >= t.cfg.MemtableThreshold {
		desc, err := t.flush()
		if err != nil {
			return PutResult{}, err
		}
		result.Flushed = true
		result.Flush = desc
	}

	compactions, err := t.autoCompact()
	if err != nil {
		return PutResult{}, err
	}
	if len(compactions) > 0 {
		result.Compacted = true
		result.Compactions = compactions
	}

	result.DurationMS = elapsedMS(start)
	return result, nil
}

// Get looks key up: memtable first (a tombstone hit there is itself a
// miss to the caller), then the SSTable manager across every level. The
// full search path traveled is always returned, hit or miss.
func (t *Tree) Get(key []byte) GetResult {
	start := time.Now()
	t.gets++

	var path []StepDescriptor

	if rec, ok := t.mem.Get(key); ok {
		path = append(path, StepDescriptor{Source: "memtable", Hit: true})
		result := GetResult{Success: true, Path: path, DurationMS: elapsedMS(start)}

		if rec.Tombstone {
			t.misses++
			result.Tombstoned = true
			t.dispatch(EventRead, Event{Key: key, ReadPath: nil})
			return result
		}

		t.hits++
		result.Found = true
		result.Value = rec.Value
		t.dispatch(EventRead, Event{Key: key})
		return result
	}
	path = append(path, StepDescriptor{Source: "memtable", Hit: false})

	search := t.mgr.Search(key)
	for _, step := range search.Path {
		path = append(path, StepDescriptor{Source: "sstable", Level: step.Level, TableID: step.TableID, Hit: step.Hit, BloomSaved: step.BloomSaved})
	}

	t.dispatch(EventRead, Event{Key: key, ReadPath: search.Path})

	if search.Found && !search.Record.Tombstone {
		t.hits++
		return GetResult{Success: true, Found: true, Value: search.Record.Value, Path: path, DurationMS: elapsedMS(start)}
	}

	t.misses++
	return GetResult{Success: true, Found: false, Tombstoned: search.Found && search.Record.Tombstone, Path: path, DurationMS: elapsedMS(start)}
}

// flush snapshots the memtable in key order, builds an L0 SSTable from
// it, and clears the memtable. A no-op on an empty memtable.
func (t *Tree) flush() (*FlushDescriptor, error) {
	records := t.mem.All()
	if len(records) == 0 {
		return nil, nil
	}

	tbl, err := t.mgr.Create(0, records, t.cfg.SSTableSparseIndexStep, t.cfg.BloomFilterTargetFPR, t.clock())
	if err != nil {
		return nil, fmt.Errorf("lsm: flush failed: %w", err)
	}

	t.mem = memtable.NewSkipList(t.cfg.MaxSkipListLevel, t.cfg.SkipListPromotionP)

	desc := &FlushDescriptor{
		Level:         0,
		TableID:       tbl.ID,
		RecordCount:   tbl.Len(),
		MinKey:        tbl.MinKey(),
		MaxKey:        tbl.MaxKey(),
		EstimatedSize: tbl.EstimatedSize(),
	}

	t.dispatch(EventMemtableFlush, Event{FlushedSST: desc})

	return desc, nil
}

// autoCompact evaluates levels 0..N-1 in ascending order after a flush,
// compacting any level whose population meets its threshold; a single
// call may cascade through several levels.
func (t *Tree) autoCompact() ([]compaction.Entry, error) {
	var entries []compaction.Entry

	for {
		triggered := false

		for _, level := range t.mgr.Levels() {
			threshold := t.cfg.LevelCompactionThresholds.Threshold(level)
			if len(t.mgr.GetLevel(level)) < threshold {
				continue
			}

			entry, err := t.compactor.Compact(level, level+1)
			if err != nil {
				return entries, fmt.Errorf("lsm: auto-compaction failed: %w", err)
			}

			entries = append(entries, entry)
			t.dispatch(EventCompaction, Event{Compaction: &entry})
			triggered = true
			break
		}

		if !triggered {
			break
		}
	}

	return entries, nil
}

// Compact manually triggers compaction from srcLevel into srcLevel+1.
func (t *Tree) Compact(srcLevel int) CompactResult {
	start := time.Now()

	entry, err := t.compactor.Compact(srcLevel, srcLevel+1)
	if err != nil {
		return CompactResult{Success: false, Err: err, DurationMS: elapsedMS(start)}
	}

	t.dispatch(EventCompaction, Event{Compaction: &entry})

	return CompactResult{Success: true, Entry: entry, DurationMS: elapsedMS(start)}
}

// Clear wipes the memtable, every level, the compaction history, and the
// operation counters back to their initial empty state.
func (t *Tree) Clear() {
	t.mem = memtable.NewSkipList(t.cfg.MaxSkipListLevel, t.cfg.SkipListPromotionP)
	t.mgr.ClearAll()
	t.compactor.Reset()
	t.diagnostics = nil
	t.puts, t.gets, t.deletes, t.hits, t.misses = 0, 0, 0, 0, 0
}

// Diagnostics returns the quarantined observer-error log (spec.md §7
// ObserverError policy).
func (t *Tree) Diagnostics() []string { return append([]string(nil), t.diagnostics...) }

// Stats returns the aggregate statistics view spec.md §4.6 requires.
func (t *Tree) Stats() StatsResult {
	levelCounts := make(map[int]int)
	levelBytes := make(map[int]int64)

	var bloomSummary BloomSummary
	var fillSum, fprSum float64

	for _, level := range t.mgr.Levels() {
		tables := t.mgr.GetLevel(level)
		levelCounts[level] = len(tables)

		var bytes int64
		for _, tbl := range tables {
			bytes += tbl.EstimatedSize()

			bs := tbl.BloomStats()
			bloomSummary.TableCount++
			bloomSummary.TotalInserted += bs.Inserted
			fillSum += bs.FillRatio
			fprSum += bs.TheoreticalFPR
		}
		levelBytes[level] = bytes
	}

	if bloomSummary.TableCount > 0 {
		bloomSummary.AverageFillRatio = fillSum / float64(bloomSummary.TableCount)
		bloomSummary.AverageTheoretical = fprSum / float64(bloomSummary.TableCount)
	}

	history := t.compactor.History()
	tail := history
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}

	return StatsResult{
		PutCount:            t.puts,
		GetCount:            t.gets,
		DeleteCount:         t.deletes,
		HitCount:            t.hits,
		MissCount:           t.misses,
		MemtableSize:        t.mem.Size(),
		MemtableHeight:      t.mem.Height(),
		MemtableBytes:       t.mem.EstimatedBytes(),
		LevelTableCounts:    levelCounts,
		LevelByteEstimate:   levelBytes,
		CompactionCount:     len(history),
		CompactionHistory:   tail,
		WriteAmplification:  t.compactor.WriteAmplification(),
		BloomEffectiveness:  bloomSummary,
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1e6
}
