package config

import "time"

// EvictionConfig bounds row count, total byte size, and maximum age, and
// tunes how the expiry controller schedules eviction work. Mirrors the
// teacher's internal/config.EvictionCfg: a *EvictionConfig with an
// Enabled() nil-check, derived fields filled in by adjust().
type EvictionConfig struct {
	// MaxAge is the maximum age of a row before it becomes an eviction
	// candidate. Defaults to two weeks.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxEntries, if > 0, bounds row count via the cheap id_range() estimator.
	MaxEntries int64 `yaml:"max_entries"`

	// MaxSize, if > 0, bounds total byte size via the sampling estimator.
	MaxSize int64 `yaml:"max_size"`

	// BatchSize is the number of rows an eviction task targets. Default 100.
	BatchSize int `yaml:"expiry_batch_size"`

	// Method selects thread or job scheduling for eviction batches. Both run
	// on the in-process worker pool; see ExpiryMethodJob.
	Method ExpiryMethod `yaml:"expiry_method"`

	// Queue names a job queue for ExpiryMethodJob. It is carried in the
	// config only; no code in this module reads it.
	Queue string `yaml:"expiry_queue"`

	// Multiplier realizes "evict at Multiplier x the observed write rate".
	// Default 2.
	Multiplier float64 `yaml:"-"`

	// SizeEstimateSamples bounds how many rows estimated_size samples.
	// Default 10,000.
	SizeEstimateSamples int `yaml:"size_estimate_samples"`
}

func (cfg *EvictionConfig) Enabled() bool { return cfg != nil }

func (cfg *EvictionConfig) adjust() {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 14 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultExpiryBatchSize
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultEvictionMultiplier
	}
	if cfg.SizeEstimateSamples <= 0 {
		cfg.SizeEstimateSamples = DefaultSizeEstimateSamples
	}
	if cfg.Method == "" {
		cfg.Method = ExpiryMethodThread
	}
}

// HasBounds reports whether any of the three eviction bounds (age, count,
// size) is actually active. An EvictionConfig with none of these set has
// nothing for the expiry controller's evict() to do beyond a no-op scan.
func (cfg *EvictionConfig) HasBounds() bool {
	if cfg == nil {
		return false
	}
	return cfg.MaxAge > 0 || cfg.MaxEntries > 0 || cfg.MaxSize > 0
}
