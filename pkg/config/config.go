// Package config loads the ctxrelay configuration from YAML or TOML files.
// Environment variables written as ${VAR_NAME} are expanded before parsing
// and duration strings are parsed after it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dan-solli/ctxrelay/pkg/ctxrelay"
	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// Config is the complete ctxrelay configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" toml:"embeddings"`
	Engine     EngineConfig     `yaml:"engine" toml:"engine"`
	Events     EventsConfig     `yaml:"events" toml:"events"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// StoreConfig selects the canonical store.
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
	// Driver picks the SQLite driver: "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver                 string `yaml:"driver" toml:"driver"`
	MaxSnapshotsPerContext int    `yaml:"max_snapshots_per_context" toml:"max_snapshots_per_context"`
}

// EmbeddingsConfig selects the embedding capability.
type EmbeddingsConfig struct {
	Provider          string  `yaml:"provider" toml:"provider"`
	Model             string  `yaml:"model" toml:"model"`
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	APIKey            string  `yaml:"api_key" toml:"api_key"`
	Dimensions        int     `yaml:"dimensions" toml:"dimensions"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
	BatchSize         int     `yaml:"batch_size" toml:"batch_size"`
	Concurrency       int     `yaml:"concurrency" toml:"concurrency"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// EngineConfig tunes the context evolution engine.
type EngineConfig struct {
	RelayConflictThreshold   float64 `yaml:"relay_conflict_threshold" toml:"relay_conflict_threshold"`
	MergeSimilarityThreshold float64 `yaml:"merge_similarity_threshold" toml:"merge_similarity_threshold"`
	DiversityThreshold       float64 `yaml:"diversity_threshold" toml:"diversity_threshold"`
	ImportanceFloor          float64 `yaml:"importance_floor" toml:"importance_floor"`
	MaxMergeFragments        int     `yaml:"max_merge_fragments" toml:"max_merge_fragments"`
	ChunkMaxTokens           int     `yaml:"chunk_max_tokens" toml:"chunk_max_tokens"`

	OperationTimeout    time.Duration `yaml:"-" toml:"-"`
	OperationTimeoutRaw string        `yaml:"operation_timeout" toml:"operation_timeout"`
}

// EventsConfig sizes the broadcaster.
type EventsConfig struct {
	HistorySize int `yaml:"history_size" toml:"history_size"`
	BufferSize  int `yaml:"buffer_size" toml:"buffer_size"`
	// Backpressure is "drop_oldest" or "disconnect".
	Backpressure string `yaml:"backpressure" toml:"backpressure"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig configures JSONL operation traces. An empty path disables
// them; builds without the tracing tag ignore it.
type TracingConfig struct {
	Path            string `yaml:"path" toml:"path"`
	MaxSizeBytes    int64  `yaml:"max_size_bytes" toml:"max_size_bytes"`
	MaxRotatedFiles int    `yaml:"max_rotated_files" toml:"max_rotated_files"`
}

// Default returns a configuration that runs in-memory with the local
// embedder.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:             "127.0.0.1:8080",
			ShutdownTimeout:      10 * time.Second,
			KeepaliveInterval:    15 * time.Second,
			ShutdownTimeoutRaw:   "10s",
			KeepaliveIntervalRaw: "15s",
		},
		Store: StoreConfig{
			Backend:                BackendMemory,
			Driver:                 store.DriverModernc,
			MaxSnapshotsPerContext: store.DefaultMaxSnapshots,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   string(embeddings.ProviderLocal),
			Timeout:    30 * time.Second,
			TimeoutRaw: "30s",
		},
		Engine: EngineConfig{
			RelayConflictThreshold:   0.85,
			MergeSimilarityThreshold: 0.85,
			DiversityThreshold:       0.9,
			ImportanceFloor:          0.8,
			MaxMergeFragments:        10000,
			ChunkMaxTokens:           512,
			OperationTimeout:         30 * time.Second,
			OperationTimeoutRaw:      "30s",
		},
		Events: EventsConfig{
			HistorySize:  1000,
			BufferSize:   64,
			Backpressure: string(events.PolicyDropOldest),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file and returns it merged over Default.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.keepalive_interval", cfg.Server.KeepaliveIntervalRaw, &cfg.Server.KeepaliveInterval},
		{"embeddings.timeout", cfg.Embeddings.TimeoutRaw, &cfg.Embeddings.Timeout},
		{"engine.operation_timeout", cfg.Engine.OperationTimeoutRaw, &cfg.Engine.OperationTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or badger, got %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendSQLite && c.Store.Driver != store.DriverModernc && c.Store.Driver != store.DriverMattn {
		return fmt.Errorf("store.driver must be %q or %q, got %q", store.DriverModernc, store.DriverMattn, c.Store.Driver)
	}
	if c.Store.MaxSnapshotsPerContext < 1 {
		return fmt.Errorf("store.max_snapshots_per_context must be at least 1")
	}

	switch embeddings.Provider(c.Embeddings.Provider) {
	case embeddings.ProviderLocal, embeddings.ProviderOllama:
	case embeddings.ProviderOpenAI:
		if c.Embeddings.APIKey == "" {
			return fmt.Errorf("embeddings.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("embeddings.provider must be local, openai or ollama, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.RequestsPerSecond < 0 {
		return fmt.Errorf("embeddings.requests_per_second must not be negative")
	}

	thresholds := []struct {
		name string
		v    float64
	}{
		{"engine.relay_conflict_threshold", c.Engine.RelayConflictThreshold},
		{"engine.merge_similarity_threshold", c.Engine.MergeSimilarityThreshold},
		{"engine.diversity_threshold", c.Engine.DiversityThreshold},
		{"engine.importance_floor", c.Engine.ImportanceFloor},
	}
	for _, th := range thresholds {
		if th.v <= 0 || th.v > 1 {
			return fmt.Errorf("%s must be within (0,1], got %v", th.name, th.v)
		}
	}
	if c.Engine.MaxMergeFragments < 1 {
		return fmt.Errorf("engine.max_merge_fragments must be at least 1")
	}
	if c.Engine.OperationTimeout <= 0 {
		return fmt.Errorf("engine.operation_timeout must be positive")
	}

	if c.Events.HistorySize < 1 {
		return fmt.Errorf("events.history_size must be at least 1")
	}
	if c.Events.BufferSize < 2 {
		return fmt.Errorf("events.buffer_size must be at least 2")
	}
	if _, err := events.ParsePolicy(c.Events.Backpressure); err != nil {
		return fmt.Errorf("events.backpressure: %w", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// EngineOptions converts the engine section for ctxrelay.New.
func (c *Config) EngineOptions() ctxrelay.Config {
	return ctxrelay.Config{
		RelayConflictThreshold:   c.Engine.RelayConflictThreshold,
		MergeSimilarityThreshold: c.Engine.MergeSimilarityThreshold,
		DiversityThreshold:       c.Engine.DiversityThreshold,
		ImportanceFloor:          c.Engine.ImportanceFloor,
		MaxMergeFragments:        c.Engine.MaxMergeFragments,
		OperationTimeout:         c.Engine.OperationTimeout,
		ChunkMaxTokens:           c.Engine.ChunkMaxTokens,
		EmbedBatchSize:           c.Embeddings.BatchSize,
		EmbedConcurrency:         c.Embeddings.Concurrency,
	}
}

// EmbeddingsOptions converts the embeddings section for embeddings.New.
func (c *Config) EmbeddingsOptions() embeddings.Config {
	return embeddings.Config{
		Provider:          embeddings.Provider(c.Embeddings.Provider),
		Model:             c.Embeddings.Model,
		BaseURL:           c.Embeddings.BaseURL,
		APIKey:            c.Embeddings.APIKey,
		Dimensions:        c.Embeddings.Dimensions,
		Timeout:           c.Embeddings.Timeout,
		RequestsPerSecond: c.Embeddings.RequestsPerSecond,
		Burst:             c.Embeddings.Burst,
	}
}

// EventsOptions converts the events section for events.NewBroadcaster.
// Logger and metrics are left for the caller to set.
func (c *Config) EventsOptions() events.Options {
	policy, _ := events.ParsePolicy(c.Events.Backpressure)
	return events.Options{
		HistorySize: c.Events.HistorySize,
		BufferSize:  c.Events.BufferSize,
		Policy:      policy,
	}
}

// OpenStore opens the configured store backend.
func (c *Config) OpenStore() (store.ContextStore, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return store.NewMemoryStore(c.Store.MaxSnapshotsPerContext), nil
	case BackendSQLite:
		s, err := store.NewSQLiteStore(c.Store.Path, store.SQLiteOptions{
			Driver:       c.Store.Driver,
			MaxSnapshots: c.Store.MaxSnapshotsPerContext,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBadger:
		s, err := store.NewBadgerStore(c.Store.Path, store.BadgerOptions{
			MaxSnapshots: c.Store.MaxSnapshotsPerContext,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}
