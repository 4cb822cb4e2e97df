// Package config declares the tunables of the durable SQL-backed cache engine.
//
// It mirrors the layering of the host cache framework's own store options: every
// subsystem gets its own struct, groups are pointers so a nil group disables that
// subsystem, and a post-load AdjustConfig pass derives any field that depends on
// another field instead of trusting the caller to keep them in sync.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClearMode selects how Clear() empties a shard's entries table.
type ClearMode string

const (
	// ClearTruncate issues a fast TRUNCATE TABLE. Unsafe inside a transactional
	// test harness that wraps every test in an outer transaction.
	ClearTruncate ClearMode = "truncate"
	// ClearDelete issues chunked DELETE statements in bounded batches.
	ClearDelete ClearMode = "delete"
)

// ExpiryMethod selects how the expiry controller schedules eviction batches.
type ExpiryMethod string

const (
	// ExpiryMethodThread submits eviction batches to the in-process worker pool.
	ExpiryMethodThread ExpiryMethod = "thread"
	// ExpiryMethodJob is accepted, but no durable job is enqueued: the expiry
	// controller runs these batches on the in-process worker pool, the same
	// as ExpiryMethodThread.
	ExpiryMethodJob ExpiryMethod = "job"
)

const (
	// DefaultMaxKeyByteSize bounds a normalized key's length before truncation kicks in.
	DefaultMaxKeyByteSize = 1024
	// DefaultExpiryBatchSize is the number of candidate rows considered per eviction task.
	DefaultExpiryBatchSize = 100
	// DefaultSizeEstimateSamples bounds how many rows estimated_size samples.
	DefaultSizeEstimateSamples = 10_000
	// DefaultEvictionMultiplier realizes "evict at multiplier x the write rate".
	DefaultEvictionMultiplier = 2.0
)

// Config groups the configuration of every cache subsystem. Each optional group
// can be left nil to disable that subsystem, following the teacher's
// "*Cfg with an Enabled() nil-check" convention.
type Config struct {
	Database *DatabaseConfig `yaml:"database"`
	Key      KeyConfig       `yaml:"key"`
	Eviction *EvictionConfig `yaml:"eviction"`

	// ClearWith selects TRUNCATE vs DELETE semantics for Clear().
	ClearWith ClearMode `yaml:"clear_with"`

	// ActiveRecordInstrumentation is read from the config file, but no code
	// in this module consults it, so it does not change the storage driver's
	// SQL logging either way.
	ActiveRecordInstrumentation bool `yaml:"active_record_instrumentation"`

	// ErrorHandler receives (tag, error, returning) whenever an operation run
	// through the failsafe envelope fails, whether the error is transient
	// (swallowed) or not (returned). May be nil.
	ErrorHandler ErrorHandlerFunc `yaml:"-"`

	// Codec (de)serializes the opaque cache-entry payload. Supplied by the host
	// cache framework; defaults to the msgpack reference codec in package codec.
	Codec Codec `yaml:"-"`

	// Encrypter wraps/unwraps the value column. Supplied by the host storage
	// framework; nil disables encryption.
	Encrypter Encrypter `yaml:"-"`

	// Version is stamped into every entry this engine writes and compared
	// against on every read (spec §4.G "drop version-mismatched entries
	// silently", §6 `mismatched?(version)`). Bump it when the host changes
	// the shape of what it stores under Value, so entries written under the
	// old shape read back as ordinary misses instead of being handed to the
	// caller. Empty disables the check — every entry matches.
	Version string `yaml:"version"`

	// Executor, if set, replaces the internal bounded worker pool: every
	// background task is handed to this function instead of an internal
	// goroutine, so a host runtime can run it inside its own facilities
	// (e.g. request-scoped context propagation). May be nil.
	Executor ExecutorFunc

	// StoreOptions is an opaque passthrough to whatever base store the host
	// cache framework layers this engine underneath.
	StoreOptions map[string]any `yaml:"store_options"`
}

// ErrorHandlerFunc matches the "(tag, exception, returning)" contract from spec §4.D.
type ErrorHandlerFunc func(tag string, err error, returning any)

// ExecutorFunc runs a background task on whatever runtime the host
// application provides in place of dbcache's own worker pool.
type ExecutorFunc func(task func())

// Codec (de)serializes the opaque cache-entry envelope. The core never inspects
// its output; it round-trips the bytes. See package codec for a reference impl.
type Codec interface {
	Encode(value []byte, expiresAt int64, version string) ([]byte, error)
	Decode(data []byte) (value []byte, expiresAt int64, version string, err error)
}

// Encrypter wraps/unwraps the value column. See package encryption for a
// reference AES-GCM implementation.
type Encrypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Enabled reports whether this config was supplied at all, following the
// teacher's "*Cfg pointer with an Enabled() nil-check" idiom throughout
// internal/config in the original cache engine.
func (cfg *Config) Enabled() bool { return cfg != nil }

// AdjustConfig derives fields that depend on other fields and fills in
// defaults left zero by the caller. Mirrors the teacher's
// internal/config.Cache.AdjustConfig.
func (cfg *Config) AdjustConfig() {
	if cfg.Key.MaxKeyByteSize <= 0 {
		cfg.Key.MaxKeyByteSize = DefaultMaxKeyByteSize
	}
	if cfg.ClearWith == "" {
		cfg.ClearWith = ClearTruncate
	}
	if cfg.Eviction.Enabled() {
		cfg.Eviction.adjust()
	}
}

// Load reads and parses a YAML config file, then runs AdjustConfig on the
// result. Mirrors the teacher's internal/config.LoadConfig.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config yaml file %s: %w", path, err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml from %s: %w", path, err)
	}
	cfg.AdjustConfig()

	return &cfg, nil
}
