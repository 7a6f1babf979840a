package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("CTXRELAY_TEST_KEY", "sk-test")
	path := writeConfig(t, "ctxrelay.yaml", `
server:
  http_addr: "0.0.0.0:9000"
  keepalive_interval: "5s"

store:
  backend: sqlite
  path: "./ctx.db"
  driver: sqlite3
  max_snapshots_per_context: 20

embeddings:
  provider: openai
  api_key: "${CTXRELAY_TEST_KEY}"
  model: text-embedding-3-small
  timeout: "10s"
  requests_per_second: 5
  burst: 2

engine:
  relay_conflict_threshold: 0.9
  operation_timeout: "1m"

events:
  history_size: 500
  backpressure: disconnect

logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.KeepaliveInterval)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, store.DriverMattn, cfg.Store.Driver)
	assert.Equal(t, 20, cfg.Store.MaxSnapshotsPerContext)

	assert.Equal(t, "sk-test", cfg.Embeddings.APIKey)
	assert.Equal(t, 10*time.Second, cfg.Embeddings.Timeout)

	assert.Equal(t, 0.9, cfg.Engine.RelayConflictThreshold)
	assert.Equal(t, 0.85, cfg.Engine.MergeSimilarityThreshold)
	assert.Equal(t, time.Minute, cfg.Engine.OperationTimeout)

	assert.Equal(t, 500, cfg.Events.HistorySize)
	assert.Equal(t, 64, cfg.Events.BufferSize)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "ctxrelay.toml", `
[server]
http_addr = "127.0.0.1:7070"
shutdown_timeout = "3s"

[store]
backend = "badger"
path = "/var/lib/ctxrelay"

[engine]
diversity_threshold = 0.75
max_merge_fragments = 200

[events]
buffer_size = 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7070", cfg.Server.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, BackendBadger, cfg.Store.Backend)
	assert.Equal(t, 0.75, cfg.Engine.DiversityThreshold)
	assert.Equal(t, 200, cfg.Engine.MaxMergeFragments)
	assert.Equal(t, 8, cfg.Events.BufferSize)
	assert.Equal(t, "local", cfg.Embeddings.Provider)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad yaml", "c.yaml", "server: [", "parsing config file"},
		{"bad toml", "c.toml", "[server", "parsing config file"},
		{"bad duration", "c.yaml", "engine:\n  operation_timeout: soon\n", "engine.operation_timeout"},
		{"sqlite without path", "c.yaml", "store:\n  backend: sqlite\n", "store.path is required"},
		{"unknown backend", "c.yaml", "store:\n  backend: postgres\n", "store.backend"},
		{"openai without key", "c.yaml", "embeddings:\n  provider: openai\n", "embeddings.api_key"},
		{"threshold out of range", "c.yaml", "engine:\n  importance_floor: 1.5\n", "engine.importance_floor"},
		{"zero threshold", "c.yaml", "engine:\n  relay_conflict_threshold: 0\n", "engine.relay_conflict_threshold"},
		{"bad policy", "c.yaml", "events:\n  backpressure: block\n", "events.backpressure"},
		{"bad level", "c.yaml", "logging:\n  level: trace\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CTXRELAY_A", "alpha")
	got := expandEnvVars("a=${CTXRELAY_A} b=${CTXRELAY_UNSET_VAR}")
	assert.Equal(t, "a=alpha b=", got)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	eng := cfg.EngineOptions()
	assert.Equal(t, 0.85, eng.RelayConflictThreshold)
	assert.Equal(t, 30*time.Second, eng.OperationTimeout)

	emb := cfg.EmbeddingsOptions()
	assert.Equal(t, embeddings.ProviderLocal, emb.Provider)

	ev := cfg.EventsOptions()
	assert.Equal(t, events.PolicyDropOldest, ev.Policy)
	assert.Equal(t, 1000, ev.HistorySize)
}

func TestOpenStore(t *testing.T) {
	cfg := Default()
	s, err := cfg.OpenStore()
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Backend = BackendSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "ctx.db")
	s, err = cfg.OpenStore()
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Backend = BackendBadger
	cfg.Store.Path = t.TempDir()
	s, err = cfg.OpenStore()
	require.NoError(t, err)
	assert.IsType(t, &store.BadgerStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Backend = "nope"
	_, err = cfg.OpenStore()
	assert.True(t, strings.Contains(err.Error(), "unknown store backend"))
}
