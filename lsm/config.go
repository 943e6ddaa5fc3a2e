package lsm

import (
	"github.com/riverrun/lsmkv/compaction"
	"github.com/riverrun/lsmkv/memtable"
	"github.com/riverrun/lsmkv/sstable"
)

// Config holds every tunable spec.md §6 lists for the engine constructor.
// NewConfig populates the documented defaults; Option functions (modeled
// on segmentmanager's DiskSegmentManagerOption) override individual
// fields.
type Config struct {
	MemtableThreshold       int
	MaxSkipListLevel        int
	SkipListPromotionP      float64
	SSTableSparseIndexStep  int
	BloomFilterTargetFPR    float64
	LevelCompactionThresholds compaction.Thresholds
}

// NewConfig returns the spec.md §6 defaults, as modified by opts.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		MemtableThreshold:         10,
		MaxSkipListLevel:          memtable.DefaultMaxLevel,
		SkipListPromotionP:        memtable.DefaultPromotionP,
		SSTableSparseIndexStep:    sstable.DefaultSparseIndexStep,
		BloomFilterTargetFPR:      sstable.DefaultBloomFPR,
		LevelCompactionThresholds: compaction.DefaultThresholds(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// Option customizes a Config field, the same option-function shape the
// teacher's disk segment manager exposes via DiskSegmentManagerOption.
type Option func(*Config)

// WithFlushThreshold overrides the memtable size at which a flush is
// triggered.
func WithFlushThreshold(n int) Option {
	return func(c *Config) { c.MemtableThreshold = n }
}

// WithSkipList overrides the skip list's max level and promotion
// probability.
func WithSkipList(maxLevel int, promotionP float64) Option {
	return func(c *Config) {
		c.MaxSkipListLevel = maxLevel
		c.SkipListPromotionP = promotionP
	}
}

// WithSparseIndexStep overrides the SSTable sparse index sampling rate.
func WithSparseIndexStep(step int) Option {
	return func(c *Config) { c.SSTableSparseIndexStep = step }
}

// WithBloomFPR overrides the target false-positive rate new SSTable
// bloom filters are sized for.
func WithBloomFPR(p float64) Option {
	return func(c *Config) { c.BloomFilterTargetFPR = p }
}

// WithCompactionThresholds overrides the per-level table-count thresholds
// that trigger a compaction cascade.
func WithCompactionThresholds(t compaction.Thresholds) Option {
	return func(c *Config) { c.LevelCompactionThresholds = t }
}
