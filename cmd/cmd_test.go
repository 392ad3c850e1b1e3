package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/jobdispatch/core/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "store:\n  backend: sqlite\n  path: " + filepath.Join(dir, "jobs.db") + "\naudit:\n  backend: none\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWeightsSet(t *testing.T) {
	out, err := execute(t, "weights", "set", "--proximity", "1", "--skill", "0", "--workload", "0", "--rating", "0", "--by", "ops")
	require.NoError(t, err)
	var cfg model.DispatchConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "ops", cfg.UpdatedBy)
	assert.Equal(t, 1.0, cfg.Weights.Proximity)
}

func TestDispatchUnknownJob(t *testing.T) {
	_, err := execute(t, "dispatch", "missing")
	assert.Error(t, err)
}

func TestQuoteRequiresJobID(t *testing.T) {
	_, err := execute(t, "quote")
	assert.Error(t, err)
}
