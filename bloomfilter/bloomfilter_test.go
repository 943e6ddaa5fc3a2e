package bloomfilter

import (
	"fmt"
	"math/rand"
	"testing"
)

func init() {
	rand.Seed(1)
}

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)

	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}

	for _, k := range keys {
		if !f.Contains(k) {
			t.Fatalf("false negative for %q", k)
		}
	}
}

func TestEmptyFilterRejectsEverything(t *testing.T) {
	f := New(100, 0.01)

	if f.Contains([]byte("nothing-was-added")) {
		// A brand new filter has all bits unset; any probe must miss.
		t.Fatalf("expected definitely_absent on empty filter")
	}
}

func TestFillRatioGrows(t *testing.T) {
	f := New(100, 0.01)

	if r := f.FillRatio(); r != 0 {
		t.Fatalf("expected 0 fill ratio before any insert, got %f", r)
	}

	for i := 0; i < 50; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}

	if r := f.FillRatio(); r <= 0 || r > 1 {
		t.Fatalf("fill ratio out of range: %f", r)
	}
}

func TestStatsReflectInsertedCount(t *testing.T) {
	f := New(10, 0.01)

	for i := 0; i < 10; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}

	stats := f.Stats()
	if stats.Inserted != 10 {
		t.Fatalf("expected inserted=10, got %d", stats.Inserted)
	}
	if stats.BitArrayLength == 0 || stats.HashCount == 0 {
		t.Fatalf("expected non-zero m/k, got m=%d k=%d", stats.BitArrayLength, stats.HashCount)
	}
	if stats.TheoreticalFPR < 0 || stats.TheoreticalFPR > 1 {
		t.Fatalf("fpr out of range: %f", stats.TheoreticalFPR)
	}
}

func TestEmpiricalFalsePositiveRateNearTarget(t *testing.T) {
	const n = 5000
	f := New(n, 0.01)

	for i := 0; i < n; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	trials := 20000
	for i := 0; i < trials; i++ {
		key := []byte(fmt.Sprintf("absent-%d", i))
		if f.Contains(key) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("empirical FPR too high: %f (target 0.01)", rate)
	}
}
