// Package bloomfilter provides a probabilistic membership test over a
// fixed key set, backed by github.com/bits-and-blooms/bloom/v3 — the same
// library the SST writer this package grew out of already depended on.
package bloomfilter

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter answers possibly-present / definitely-absent queries for a fixed
// key set. Bit-array length m and hash count k are derived once at
// construction from the expected element count and the target false
// positive rate, and never change afterward.
type Filter struct {
	bf       *bloom.BloomFilter
	inserted uint
	n        uint
	p        float64
}

// New builds a filter sized for n expected elements at target false
// positive rate p. Both m and k follow the standard formulas
// (m = ceil(-n*ln(p)/ln(2)^2), k = ceil(m/n * ln(2))); bloom/v3 computes
// them the same way inside NewWithEstimates.
func New(n uint, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	if p <= 0 {
		p = 0.01
	}
	return &Filter{
		bf: bloom.NewWithEstimates(n, p),
		n:  n,
		p:  p,
	}
}

// Add sets the k probe bits for key and increments the inserted counter.
func (f *Filter) Add(key []byte) {
	f.bf.Add(key)
	f.inserted++
}

// Contains reports whether key is possibly present. It never returns a
// false negative for a key that was Add-ed.
func (f *Filter) Contains(key []byte) bool {
	return f.bf.Test(key)
}

// M returns the bit-array length.
func (f *Filter) M() uint {
	return f.bf.Cap()
}

// K returns the number of hash probes per operation.
func (f *Filter) K() uint {
	return f.bf.K()
}

// FillRatio returns the fraction of bits currently set, reading directly
// through bloom/v3's exposed *bitset.BitSet the way the SST writer reads
// back bloom filter internals for serialization.
func (f *Filter) FillRatio() float64 {
	m := f.M()
	if m == 0 {
		return 0
	}
	return float64(f.bf.BitSet().Count()) / float64(m)
}

// Stats is a point-in-time snapshot of a filter's effectiveness.
type Stats struct {
	BitArrayLength   uint
	HashCount        uint
	Inserted         uint
	FillRatio        float64
	TheoreticalFPR   float64
	ConfiguredFPR    float64
	ExpectedElements uint
}

// Stats reports bit-array length, hash count, inserted count, fill ratio,
// and the theoretical false-positive rate (1 - e^(-kn/m))^k for the keys
// actually inserted so far.
func (f *Filter) Stats() Stats {
	m := float64(f.M())
	k := float64(f.K())
	n := float64(f.inserted)

	var fpr float64
	if m > 0 {
		fpr = math.Pow(1-math.Exp(-k*n/m), k)
	}

	return Stats{
		BitArrayLength:   f.M(),
		HashCount:        f.K(),
		Inserted:         f.inserted,
		FillRatio:        f.FillRatio(),
		TheoreticalFPR:   fpr,
		ConfiguredFPR:    f.p,
		ExpectedElements: f.n,
	}
}

func (f *Filter) String() string {
	s := f.Stats()
	return fmt.Sprintf("bloom[m=%d k=%d n=%d fill=%.4f fpr~%.4f]",
		s.BitArrayLength, s.HashCount, s.Inserted, s.FillRatio, s.TheoreticalFPR)
}
