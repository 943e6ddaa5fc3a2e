package manager

import (
	"fmt"
	"testing"

	"github.com/riverrun/lsmkv/memtable"
	"github.com/riverrun/lsmkv/sstable"
)

func rec(k, v string) memtable.Record {
	return memtable.Record{Key: []byte(k), Value: []byte(v)}
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	m := New()

	t1, err := m.Create(0, []memtable.Record{rec("a", "1")}, 0, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t2, err := m.Create(0, []memtable.Record{rec("b", "2")}, 0, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if t2.ID <= t1.ID {
		t.Fatalf("expected increasing ids, got %d then %d", t1.ID, t2.ID)
	}
}

func TestSearchPrefersNewestL0Table(t *testing.T) {
	m := New()
	m.Create(0, []memtable.Record{rec("k", "old")}, 0, 0, 0)
	m.Create(0, []memtable.Record{rec("k", "new")}, 0, 0, 0)

	result := m.Search([]byte("k"))
	if !result.Found || string(result.Record.Value) != "new" {
		t.Fatalf("expected newest L0 value, got %+v", result)
	}
}

func TestSearchSkipsOutOfRangeTablesAtL1(t *testing.T) {
	m := New()
	m.Create(1, []memtable.Record{rec("a", "1"), rec("b", "2")}, 0, 0, 0)
	m.Create(1, []memtable.Record{rec("x", "3"), rec("y", "4")}, 0, 0, 0)

	result := m.Search([]byte("y"))
	if !result.Found || string(result.Record.Value) != "4" {
		t.Fatalf("expected hit on y, got %+v", result)
	}

	// Only one table's range contains "y"; the path should not include a
	// probe against the disjoint [a,b] table.
	for _, step := range result.Path {
		if step.Level == 1 && step.TableID == 1 {
			t.Fatalf("unexpected probe against out-of-range table: %+v", result.Path)
		}
	}
}

func TestSearchMissReturnsFullPath(t *testing.T) {
	m := New()
	m.Create(0, []memtable.Record{rec("a", "1")}, 0, 0.01, 0)

	result := m.Search([]byte("missing"))
	if result.Found {
		t.Fatalf("expected miss")
	}
	if len(result.Path) == 0 {
		t.Fatalf("expected non-empty search path even on miss")
	}
}

func TestAddPanicsOnOverlappingRangesAboveL0(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on overlapping L1 ranges")
		}
	}()

	m := New()
	m.Create(1, []memtable.Record{rec("a", "1"), rec("m", "2")}, 0, 0, 0)
	m.Create(1, []memtable.Record{rec("g", "3"), rec("z", "4")}, 0, 0, 0)
}

func TestReplaceSwapsAtomically(t *testing.T) {
	m := New()
	src1, _ := m.Create(0, []memtable.Record{rec("a", "1")}, 0, 0, 0)
	src2, _ := m.Create(0, []memtable.Record{rec("b", "2")}, 0, 0, 0)
	dst1, _ := m.Create(1, []memtable.Record{rec("c", "3")}, 0, 0, 0)

	// Build the merge output out-of-band (as the compaction engine would)
	// and hand it to Replace rather than letting Create auto-append it.
	merged, err := sstable.New(m.NextID(), []memtable.Record{rec("a", "1"), rec("b", "2"), rec("c", "3")}, 0, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Replace(0, []*sstable.SSTable{src1, src2}, 1, []*sstable.SSTable{dst1}, merged)

	if len(m.GetLevel(0)) != 0 {
		t.Fatalf("expected L0 emptied after replace, got %d", len(m.GetLevel(0)))
	}
	if got := m.GetLevel(1); len(got) != 1 || got[0].ID != merged.ID {
		t.Fatalf("expected L1 to hold only the merged output, got %+v", got)
	}
}

func TestHighestPopulated(t *testing.T) {
	m := New()
	if m.HighestPopulated() != -1 {
		t.Fatalf("expected -1 for empty manager")
	}

	m.Create(0, []memtable.Record{rec("a", "1")}, 0, 0, 0)
	m.Create(2, []memtable.Record{rec("b", "2")}, 0, 0, 0)

	if m.HighestPopulated() != 2 {
		t.Fatalf("expected highest populated level 2, got %d", m.HighestPopulated())
	}
}

func TestClearAndClearAll(t *testing.T) {
	m := New()
	m.Create(0, []memtable.Record{rec("a", "1")}, 0, 0, 0)
	m.Create(1, []memtable.Record{rec("b", "2")}, 0, 0, 0)

	m.Clear(0)
	if len(m.GetLevel(0)) != 0 {
		t.Fatalf("expected L0 cleared")
	}
	if len(m.GetLevel(1)) != 1 {
		t.Fatalf("expected L1 untouched")
	}

	m.ClearAll()
	if len(m.Levels()) != 0 {
		t.Fatalf("expected no populated levels after ClearAll")
	}
	if id, err := m.Create(0, []memtable.Record{rec("c", "3")}, 0, 0, 0); err != nil || id.ID != 1 {
		t.Fatalf("expected id counter reset after ClearAll, got %+v, %v", id, err)
	}
}

func TestManyLevelsSearchOrder(t *testing.T) {
	m := New()
	for l := 0; l < 5; l++ {
		m.Create(l, []memtable.Record{rec(fmt.Sprintf("k%d", l), fmt.Sprintf("v%d", l))}, 0, 0, 0)
	}

	for l := 0; l < 5; l++ {
		result := m.Search([]byte(fmt.Sprintf("k%d", l)))
		if !result.Found || string(result.Record.Value) != fmt.Sprintf("v%d", l) {
			t.Fatalf("expected hit for level %d, got %+v", l, result)
		}
	}
}
