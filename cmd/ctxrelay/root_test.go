package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dan-solli/ctxrelay/pkg/config"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

func init() {
	color.NoColor = true
}

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{{"serve"}, {"inspect"}, {"versions"}, {"list"}, {"config", "check"}, {"config", "default"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	t.Setenv("CTXRELAY_CONFIG", "")
	_, err := run(t, "config", "check", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitCommandError, exitCode(&commandError{msg: "bad flag"}))
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestConfigCheck(t *testing.T) {
	path := writeConfig(t, "ctxrelay.toml", `
[server]
http_addr = ":9191"

[store]
backend = "sqlite"
path = "/tmp/ctx.db"
`)

	out, err := run(t, "--config", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
	assert.Contains(t, out, ":9191")
	assert.Contains(t, out, "sqlite")
}

func TestConfigCheckInvalid(t *testing.T) {
	path := writeConfig(t, "bad.yaml", "engine:\n  importance_floor: 3\n")

	_, err := run(t, "--config", path, "config", "check")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestConfigDefault(t *testing.T) {
	out, err := run(t, "config", "default")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, config.Default().Server.HTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, "30s", cfg.Engine.OperationTimeoutRaw)
}

func TestReadCommandsRejectMemoryBackend(t *testing.T) {
	t.Setenv("CTXRELAY_CONFIG", "")
	_, err := run(t, "inspect", "ctx-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory backend")
}

// seedStore writes one context and two snapshots to a SQLite file and
// returns a config pointing at it.
func seedStore(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ctx.db")
	st, err := store.NewSQLiteStore(dbPath, store.SQLiteOptions{Driver: store.DriverModernc})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &store.ContextPacket{
		ContextID: "ctx-1",
		SessionID: "trip",
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	f := store.NewTextFragment("Book flights to Lisbon", "planner", 0.9)
	f.FragmentID = "flights"
	p.Fragments = []store.Fragment{f}
	p.DecisionTrace = []store.DecisionRecord{{Agent: "planner", Operation: "initialize", Decision: "context initialized", Timestamp: now}}
	require.NoError(t, st.Put(ctx, p, store.NewContext))

	for i, label := range []string{"", "milestone"} {
		require.NoError(t, st.PutSnapshot(ctx, &store.VersionSnapshot{
			VersionID:     []string{"v-a", "v-b"}[i],
			ContextID:     "ctx-1",
			VersionNumber: 0,
			Label:         label,
			Summary:       "version 0: 1 fragments, no decisions recorded",
			Timestamp:     now.Add(time.Duration(i) * time.Minute),
			Packet:        p.Clone(),
		}))
	}

	return writeConfig(t, "ctxrelay.yaml", "store:\n  backend: sqlite\n  path: "+dbPath+"\n")
}

func TestInspect(t *testing.T) {
	cfgPath := seedStore(t)

	out, err := run(t, "--config", cfgPath, "inspect", "ctx-1", "--content")
	require.NoError(t, err)
	assert.Contains(t, out, "ctx-1")
	assert.Contains(t, out, "session=trip")
	assert.Contains(t, out, "Fragments (1)")
	assert.Contains(t, out, "Book flights to Lisbon")
	assert.Contains(t, out, "context initialized")

	out, err = run(t, "--config", cfgPath, "--format", "json", "inspect", "ctx-1")
	require.NoError(t, err)
	var p store.ContextPacket
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, "trip", p.SessionID)

	_, err = run(t, "--config", cfgPath, "inspect", "ghost")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestVersionsAndList(t *testing.T) {
	cfgPath := seedStore(t)

	out, err := run(t, "--config", cfgPath, "--format", "json", "versions", "ctx-1")
	require.NoError(t, err)
	var snaps []store.VersionSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "v-b", snaps[0].VersionID)

	out, err = run(t, "--config", cfgPath, "versions", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "No versions")

	out, err = run(t, "--config", cfgPath, "list", "--session", "trip")
	require.NoError(t, err)
	assert.Contains(t, out, "ctx-1")
	assert.Contains(t, out, "fragments=1")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.With("component", "engine").Warn("slow", "ms", 12)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "slow", line["msg"])
	assert.Equal(t, "engine", line["component"])

	buf.Reset()
	text := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	text.WithGroup("req").With("id", "r1").Debug("handled", "status", 200)
	assert.Contains(t, buf.String(), "DBG handled")
	assert.Contains(t, buf.String(), "req.id=r1")
	assert.Contains(t, buf.String(), "req.status=200")
}
