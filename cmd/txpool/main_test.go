package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/txpool/pkg/config"
	"github.com/ajitpratap0/txpool/pkg/json"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "txpool v"+version)
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  name: orders\n  max_size: 7\n"), 0o600))

	out := execute(t, "config", "--config", path)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "orders", cfg.Pool.Name)
	assert.Equal(t, 7, cfg.Pool.MaxSize)
	assert.Equal(t, config.Default().Pool.BlockingTimeout, cfg.Pool.BlockingTimeout)
}

func TestConfigCommandRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_size: 0\n"), 0o600))

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"config", "--config", path})
	assert.Error(t, root.Execute())
}

func TestBenchWithMemoryBackend(t *testing.T) {
	out := execute(t, "bench", "--workers", "4", "--duration", "500ms", "--hold", "1ms", "--report", "0")

	var summary benchSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Greater(t, summary.Borrows, int64(0))
	assert.Equal(t, int64(0), summary.Failures)
	assert.Equal(t, 4, summary.Options.Workers)
	assert.LessOrEqual(t, summary.Stats.Total, summary.Stats.MaxSize)
}

func TestUnknownDriver(t *testing.T) {
	_, _, err := newFactory(config.BackendConfig{Driver: "oracle"}, nil)
	assert.Error(t, err)
}
