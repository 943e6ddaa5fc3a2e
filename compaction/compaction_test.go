package compaction

import (
	"fmt"
	"testing"

	"github.com/riverrun/lsmkv/manager"
	"github.com/riverrun/lsmkv/memtable"
)

func rec(k, v string, ts int64) memtable.Record {
	return memtable.Record{Key: []byte(k), Value: []byte(v), Timestamp: ts}
}

func tombstone(k string, ts int64) memtable.Record {
	return memtable.Record{Key: []byte(k), Tombstone: true, Timestamp: ts}
}

func fixedClock(t int64) func() int64 {
	return func() int64 { return t }
}

func TestCompactEmptySourceFails(t *testing.T) {
	mgr := manager.New()
	eng := New(mgr, 0, 0, fixedClock(1))

	if _, err := eng.Compact(0, 1); err != ErrEmptySource {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
}

func TestCompactMovesTablesDownALevel(t *testing.T) {
	mgr := manager.New()
	mgr.Create(0, []memtable.Record{rec("a", "1", 1)}, 0, 0.01, 0)
	eng := New(mgr, 0, 0.01, fixedClock(1))

	entry, err := eng.Compact(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mgr.GetLevel(0)) != 0 {
		t.Fatalf("expected L0 empty after compaction")
	}
	if len(mgr.GetLevel(1)) != 1 {
		t.Fatalf("expected one L1 table after compaction")
	}
	if entry.OutputRecords != 1 {
		t.Fatalf("expected 1 output record, got %d", entry.OutputRecords)
	}
}

func TestCompactionPreservesGetMapping(t *testing.T) {
	mgr := manager.New()
	mgr.Create(0, []memtable.Record{rec("a", "1", 1), rec("b", "2", 1), rec("c", "3", 1)}, 0, 0.01, 0)
	eng := New(mgr, 0, 0.01, fixedClock(1))

	if _, err := eng.Compact(0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		result := mgr.Search([]byte(k))
		if !result.Found {
			t.Fatalf("expected %q to survive compaction", k)
		}
	}
}

func TestDuplicateRemovalKeepsNewestVersion(t *testing.T) {
	mgr := manager.New()
	mgr.Create(1, []memtable.Record{rec("user5", "old", 1)}, 0, 0.01, 0)
	mgr.Create(0, []memtable.Record{rec("user5", "new", 2)}, 0, 0.01, 0)
	eng := New(mgr, 0, 0.01, fixedClock(1))

	entry, err := eng.Compact(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if entry.DuplicatesRemoved != 1 {
		t.Fatalf("expected exactly one duplicate removed, got %d", entry.DuplicatesRemoved)
	}

	result := mgr.Search([]byte("user5"))
	if !result.Found || string(result.Record.Value) != "new" {
		t.Fatalf("expected newest value to survive, got %+v", result)
	}

	if len(mgr.GetLevel(1)) != 1 {
		t.Fatalf("expected single merged table at L1, got %d", len(mgr.GetLevel(1)))
	}
}

func TestTombstoneDroppedAtDeepestLevel(t *testing.T) {
	mgr := manager.New()
	mgr.Create(0, []memtable.Record{tombstone("user2", 1)}, 0, 0.01, 0)
	eng := New(mgr, 0, 0.01, fixedClock(1))

	entry, err := eng.Compact(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if entry.OutputRecords != 0 {
		t.Fatalf("expected tombstone-only compaction to produce no output records, got %d", entry.OutputRecords)
	}
	if len(mgr.GetLevel(1)) != 0 {
		t.Fatalf("expected no output table when every record is a dropped tombstone")
	}

	result := mgr.Search([]byte("user2"))
	if result.Found {
		t.Fatalf("expected user2 to remain a miss after tombstone drop")
	}
}

func TestTombstoneRetainedWhenDeeperLevelExists(t *testing.T) {
	mgr := manager.New()
	mgr.Create(2, []memtable.Record{rec("shadow-me", "deep", 0)}, 0, 0.01, 0)
	mgr.Create(0, []memtable.Record{tombstone("shadow-me", 5)}, 0, 0.01, 0)
	eng := New(mgr, 0, 0.01, fixedClock(1))

	entry, err := eng.Compact(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if entry.OutputRecords != 1 {
		t.Fatalf("expected the tombstone itself to survive to L1 (L2 still populated), got %d records", entry.OutputRecords)
	}
}

func TestRangeDisjointnessPreservedAfterCompaction(t *testing.T) {
	mgr := manager.New()
	mgr.Create(1, []memtable.Record{rec("d", "1", 0), rec("e", "2", 0)}, 0, 0.01, 0)
	mgr.Create(0, []memtable.Record{rec("a", "1", 1), rec("b", "2", 1)}, 0, 0.01, 0)
	mgr.Create(0, []memtable.Record{rec("x", "3", 2), rec("y", "4", 2)}, 0, 0.01, 0)
	eng := New(mgr, 0, 0.01, fixedClock(1))

	if _, err := eng.Compact(0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tables := mgr.GetLevel(1)
	for i := 0; i < len(tables); i++ {
		for j := i + 1; j < len(tables); j++ {
			a, b := tables[i], tables[j]
			overlap := !(string(a.MaxKey()) < string(b.MinKey()) || string(b.MaxKey()) < string(a.MinKey()))
			if overlap {
				t.Fatalf("found overlapping L1 ranges after compaction: %s and %s", a, b)
			}
		}
	}
}

func TestWriteAmplificationMonotonicAndCumulative(t *testing.T) {
	mgr := manager.New()
	eng := New(mgr, 0, 0.01, fixedClock(1))

	prev := eng.WriteAmplification()
	prevOutput := eng.TotalOutputBytes()

	for i := 0; i < 5; i++ {
		mgr.Create(0, []memtable.Record{rec(fmt.Sprintf("k%d", i), "v", int64(i))}, 0, 0.01, 0)
		if _, err := eng.Compact(0, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if eng.TotalOutputBytes() < prevOutput {
			t.Fatalf("cumulative output bytes decreased")
		}
		prevOutput = eng.TotalOutputBytes()
		_ = prev
		prev = eng.WriteAmplification()
	}
}

func TestThresholdDefaults(t *testing.T) {
	th := DefaultThresholds()

	cases := map[int]int{0: 4, 1: 10, 2: 100, 5: 1000, 100: 1000}
	for level, want := range cases {
		if got := th.Threshold(level); got != want {
			t.Fatalf("level %d: expected threshold %d, got %d", level, want, got)
		}
	}
}

func TestResetClearsHistoryAndAccounting(t *testing.T) {
	mgr := manager.New()
	mgr.Create(0, []memtable.Record{rec("a", "1", 1)}, 0, 0.01, 0)
	eng := New(mgr, 0, 0.01, fixedClock(1))

	eng.Compact(0, 1)
	eng.Reset()

	if len(eng.History()) != 0 {
		t.Fatalf("expected empty history after reset")
	}
	if eng.WriteAmplification() != 0 {
		t.Fatalf("expected 0 write amplification after reset")
	}
}
