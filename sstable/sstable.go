// Package sstable implements the immutable, sorted, key-indexed table an
// LSM tree flushes memtables into and compacts across levels.
//
// The on-disk byte layout this package's ancestor wrote — data blocks,
// a sparse index block, an embedded bloom filter, and a fixed footer,
// each framed with a CRC32 trailer — is kept here only as the byte-size
// accounting model: spec.md models "disk" as heap-resident immutable
// tables with estimated, not stored, byte sizes, so records live in an
// in-memory sorted slice and New's size estimate reproduces what the on-disk
// framing would have cost without ever writing it out.
package sstable

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/riverrun/lsmkv/bloomfilter"
	"github.com/riverrun/lsmkv/memtable"
)

// DefaultSparseIndexStep and DefaultBloomFPR match spec.md §6's
// configuration defaults.
const (
	DefaultSparseIndexStep = 10
	DefaultBloomFPR        = 0.01

	// perEntryOverhead mirrors the SST writer's dataEntry framing:
	// 4-byte key length + 4-byte value length + 1-byte type tag.
	perEntryOverhead = 4 + 4 + 1
	// perBlockOverhead mirrors one data-block's length header + CRC32 trailer.
	perBlockOverhead = 4 + 4
	// footerOverhead mirrors the fixed 48-byte footer.
	footerOverhead = 48
)

// indexEntry is one sparse-index row: a key and the position of the
// first record at or after it within the table's sorted record slice.
type indexEntry struct {
	key []byte
	pos int
}

// SSTable is an immutable sorted sequence of records, with a unique key
// per record, a bloom filter over the key set, a sparse index, and a
// [min,max] key range.
type SSTable struct {
	ID            int
	records       []memtable.Record
	index         []indexEntry
	bloom         *bloomfilter.Filter
	minKey        []byte
	maxKey        []byte
	createdAt     int64
	estimatedSize int64
}

// New builds an SSTable from records. Records need not arrive sorted —
// construction sorts defensively — but must have a unique key per record;
// duplicate keys after sorting are an InvariantViolation (callers must
// dedupe by recency before flush or compaction, per spec.md §3 invariant 1).
// New fails only on empty input: callers must not flush an empty memtable
// nor compact an empty source level.
func New(id int, records []memtable.Record, sparseIndexStep int, bloomFPR float64, createdAt int64) (*SSTable, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("sstable: cannot build from empty record set")
	}
	if sparseIndexStep <= 0 {
		sparseIndexStep = DefaultSparseIndexStep
	}
	if bloomFPR <= 0 {
		bloomFPR = DefaultBloomFPR
	}

	sorted := make([]memtable.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})

	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(sorted[i-1].Key, sorted[i].Key) {
			panic(fmt.Sprintf("sstable: invariant violation: duplicate key %q after sort", sorted[i].Key))
		}
	}

	bloom := bloomfilter.New(uint(len(sorted)), bloomFPR)
	index := make([]indexEntry, 0, len(sorted)/sparseIndexStep+1)
	var size int64 = footerOverhead

	for i, r := range sorted {
		bloom.Add(r.Key)
		size += int64(perEntryOverhead+len(r.Key)+len(r.Value)) + perBlockOverhead

		if i%sparseIndexStep == 0 {
			index = append(index, indexEntry{key: r.Key, pos: i})
		}
	}

	last := sorted[len(sorted)-1]
	if len(index) == 0 || !bytes.Equal(index[len(index)-1].key, last.Key) {
		index = append(index, indexEntry{key: last.Key, pos: len(sorted) - 1})
	}

	return &SSTable{
		ID:            id,
		records:       sorted,
		index:         index,
		bloom:         bloom,
		minKey:        sorted[0].Key,
		maxKey:        last.Key,
		createdAt:     createdAt,
		estimatedSize: size,
	}, nil
}

// Lookup is the outcome of a Get against a single SSTable.
type Lookup struct {
	Record     memtable.Record
	Found      bool
	BloomSaved bool // true when the bloom filter itself ruled out the key
}

// Get implements the three-step protocol from spec.md §4.3: consult the
// bloom filter first (a definite miss skips the binary search entirely),
// narrow to the sparse-index interval containing key, then binary search
// that bounded slice.
func (t *SSTable) Get(key []byte) Lookup {
	if !t.bloom.Contains(key) {
		return Lookup{BloomSaved: true}
	}

	lo, hi := t.boundingRange(key)
	i := sort.Search(hi-lo, func(i int) bool {
		return bytes.Compare(t.records[lo+i].Key, key) >= 0
	})
	i += lo

	if i < hi && bytes.Equal(t.records[i].Key, key) {
		return Lookup{Record: t.records[i], Found: true}
	}

	return Lookup{BloomSaved: false}
}

// boundingRange narrows to [index[i].pos, index[i+1].pos) such that
// index[i].key <= key < index[i+1].key, falling back to the full range
// at either edge.
func (t *SSTable) boundingRange(key []byte) (lo, hi int) {
	n := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) > 0
	})

	lo = 0
	if n > 0 {
		lo = t.index[n-1].pos
	}

	hi = len(t.records)
	if n < len(t.index) {
		hi = t.index[n].pos
	}

	return lo, hi
}

// Scan returns every record with key in [lo, hi], inclusive, via a
// binary-searched start and a linear walk to the first key past hi.
func (t *SSTable) Scan(lo, hi []byte) []memtable.Record {
	start := sort.Search(len(t.records), func(i int) bool {
		return bytes.Compare(t.records[i].Key, lo) >= 0
	})

	out := make([]memtable.Record, 0)
	for i := start; i < len(t.records); i++ {
		if bytes.Compare(t.records[i].Key, hi) > 0 {
			break
		}
		out = append(out, t.records[i])
	}
	return out
}

// ContainsInRange reports whether key falls within this table's [min,max]
// range, used by higher-level skip decisions for L>=1 (spec.md §4.3).
func (t *SSTable) ContainsInRange(key []byte) bool {
	return bytes.Compare(t.minKey, key) <= 0 && bytes.Compare(key, t.maxKey) <= 0
}

// MinKey and MaxKey expose the table's inclusive key range.
func (t *SSTable) MinKey() []byte { return t.minKey }
func (t *SSTable) MaxKey() []byte { return t.maxKey }

// Records returns every record in key order. Callers must not mutate the
// returned slice or its contents: the table is immutable once built.
func (t *SSTable) Records() []memtable.Record { return t.records }

// Len reports the number of distinct keys held.
func (t *SSTable) Len() int { return len(t.records) }

// EstimatedSize reports the estimated on-disk byte footprint, reusing the
// writer's per-entry and per-block accounting rather than serializing
// anything (spec.md §1: "byte sizes are estimated, not stored").
func (t *SSTable) EstimatedSize() int64 { return t.estimatedSize }

// CreatedAt is the table's construction timestamp.
func (t *SSTable) CreatedAt() int64 { return t.createdAt }

// BloomStats exposes the embedded filter's effectiveness statistics.
func (t *SSTable) BloomStats() bloomfilter.Stats { return t.bloom.Stats() }

func (t *SSTable) String() string {
	return fmt.Sprintf("sstable[id=%d records=%d range=[%q,%q] size=%d]",
		t.ID, len(t.records), t.minKey, t.maxKey, t.estimatedSize)
}
