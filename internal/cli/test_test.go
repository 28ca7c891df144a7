package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyScenarios copies the harness scenarios into a fresh directory so
// golden files can be written without touching testdata.
func copyScenarios(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files, err := filepath.Glob(filepath.Join("..", "harness", "testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.Base(f)), data, 0644))
	}
	return dir
}

func TestTestCommand_Passes(t *testing.T) {
	dir := copyScenarios(t)

	out, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ add_together")
	assert.Contains(t, out, "0 failed")
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	dir := copyScenarios(t)

	_, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir, "--update")
	require.NoError(t, err)

	golden := filepath.Join(dir, "golden", "add_together.golden")
	require.FileExists(t, golden)

	// A rerun compares against the files just written.
	out, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.NoError(t, err, out)

	// A tampered golden file fails the scenario.
	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0644))
	out, err = execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir, "--filter", "add_*")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ add_together")
	assert.Contains(t, out, "golden file")
}

func TestTestCommand_JSON(t *testing.T) {
	dir := copyScenarios(t)

	out, err := execute(t, NewTestCommand(&RootOptions{Format: "json"}), dir, "--filter", "add_together")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
}

func TestTestCommand_NoMatch(t *testing.T) {
	dir := copyScenarios(t)

	out, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir, "--filter", "nothing_*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "counter.golden"),
		goldenFilePath(filepath.Join("scenarios", "counter.yaml")))
}
