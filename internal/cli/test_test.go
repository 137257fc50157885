package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	repoScenarios = "../../testdata/scenarios"
	repoGolden    = "../harness/testdata/golden"
)

const failingScenario = `name: wrong_count
description: "Expects more commits than a single remote write produces"
links:
  - entity: notes
    ref: /notes
flow:
  - op: remote_write
    ref: /notes
    key: a
    payload:
      text: hi
assertions:
  - type: commit_count
    count: 5
`

func newTestCmd(format string, args ...string) (*bytes.Buffer, func() error) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewTestCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, run := newTestCmd("text")
	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, run := newTestCmd("text", "/nonexistent/scenarios")
	err := run()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	buf, run := newTestCmd("text", t.TempDir())
	require.NoError(t, run())
	assert.Contains(t, buf.String(), "No scenarios found.")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	buf, run := newTestCmd("json", t.TempDir())
	require.NoError(t, run())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
}

func TestTestCommandRepoScenarios(t *testing.T) {
	buf, run := newTestCmd("text", repoScenarios, "--golden-dir", repoGolden)
	require.NoError(t, run(), buf.String())

	out := buf.String()
	assert.Contains(t, out, "✓ remote_added")
	assert.Contains(t, out, "✓ local_roundtrip")
	assert.Contains(t, out, "✓ assign_keys")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFilterJSON(t *testing.T) {
	buf, run := newTestCmd("json", repoScenarios, "--golden-dir", repoGolden, "--filter", "remote_*")
	require.NoError(t, run())

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, ScenarioResult{Name: "remote_added", Pass: true, Golden: "match"}, resp.Data.Scenarios[0])
}

func TestTestCommandUpdateGolden(t *testing.T) {
	goldenDir := filepath.Join(t.TempDir(), "golden")

	buf, run := newTestCmd("text", repoScenarios, "--golden-dir", goldenDir, "--update")
	require.NoError(t, run())
	assert.Contains(t, buf.String(), "✓ remote_added (golden updated)")

	written, err := os.ReadFile(filepath.Join(goldenDir, "remote_added.golden"))
	require.NoError(t, err)
	checked, err := os.ReadFile(filepath.Join(repoGolden, "remote_added.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(checked), string(written))

	buf, run = newTestCmd("json", repoScenarios, "--golden-dir", goldenDir)
	require.NoError(t, run())
	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	for _, s := range resp.Data.Scenarios {
		assert.Equal(t, "match", s.Golden, s.Name)
	}
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join(repoScenarios, "remote_added.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "remote_added.yaml"), src, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "remote_added.golden"), []byte(`{}`), 0644))

	buf, run := newTestCmd("text", dir)
	err = run()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "trace does not match golden file")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_count.yaml"), []byte(failingScenario), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0644))

	buf, run := newTestCmd("text", dir)
	err := run()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out := buf.String()
	assert.Contains(t, out, "✗ wrong_count")
	assert.Contains(t, out, "expected 5 commits, got 1")
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
	assert.Contains(t, out, "Test Summary: 0 passed, 2 failed, 2 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_count.yaml"), []byte(failingScenario), 0644))

	buf, run := newTestCmd("json", dir)
	err := run()
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	assert.Equal(t, "missing", resp.Data.Scenarios[0].Golden)
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "notes.txt", "golden/c.yaml", "nested/d.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, nil, 0644))
	}

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "b.yml"),
		filepath.Join(dir, "nested", "d.yaml"),
	}, files)

	files, err = findScenarioFiles(dir, "[ab]")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}
