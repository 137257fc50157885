package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/firesync/internal/engine"
	"github.com/roach88/firesync/internal/remote"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "links.yaml", `
key_attribute: uid
snapshot_attribute: lastSynced
links:
  - entity: notes
    ref: /notes
    index: /notes_index
  - entity: tasks
    ref: tasks/
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "uid", cfg.KeyAttribute)
	assert.Equal(t, "lastSynced", cfg.SnapshotAttribute)
	require.Len(t, cfg.Links, 2)

	link, err := cfg.Links[1].EntityLink()
	require.NoError(t, err)
	assert.Equal(t, engine.EntityLink{Entity: "tasks", Ref: remote.Ref("/tasks")}, link)
	assert.False(t, link.HasIndex())

	link, err = cfg.Links[0].EntityLink()
	require.NoError(t, err)
	assert.Equal(t, remote.Ref("/notes_index"), link.Index)

	assert.Len(t, cfg.EngineOptions(), 2)
}

func TestLoadConfig_CUE(t *testing.T) {
	path := writeFile(t, "links.cue", `
key_attribute: "uid"
links: [
	{entity: "notes", ref: "/notes", index: "/notes_index"},
	{entity: "tasks", ref: "/tasks"},
]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "uid", cfg.KeyAttribute)
	assert.Empty(t, cfg.SnapshotAttribute)
	assert.Equal(t, []LinkConfig{
		{Entity: "notes", Ref: "/notes", Index: "/notes_index"},
		{Entity: "tasks", Ref: "/tasks"},
	}, cfg.Links)
	assert.Len(t, cfg.EngineOptions(), 1)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "yaml unknown field",
			file:    "links.yaml",
			content: "links: [{entity: notes, ref: /notes}]\nlink: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "yaml no links",
			file:    "links.yaml",
			content: "key_attribute: uid\n",
			wantErr: "links list is required",
		},
		{
			name:    "yaml duplicate entity",
			file:    "links.yaml",
			content: "links: [{entity: notes, ref: /a}, {entity: notes, ref: /b}]\n",
			wantErr: `entity "notes" is linked twice`,
		},
		{
			name:    "yaml reserved character in ref",
			file:    "links.yaml",
			content: "links: [{entity: notes, ref: \"/no#tes\"}]\n",
			wantErr: "links[0]",
		},
		{
			name:    "yaml bad index",
			file:    "links.yaml",
			content: "links: [{entity: notes, ref: /notes, index: \"/a[0]\"}]\n",
			wantErr: "index",
		},
		{
			name:    "cue relative ref",
			file:    "links.cue",
			content: `links: [{entity: "notes", ref: "notes"}]`,
			wantErr: "schema violation",
		},
		{
			name:    "cue unknown field",
			file:    "links.cue",
			content: "links: [{entity: \"notes\", ref: \"/notes\"}]\nextra: 1\n",
			wantErr: "schema violation",
		},
		{
			name:    "cue empty links",
			file:    "links.cue",
			content: `links: []`,
			wantErr: "schema violation",
		},
		{
			name:    "cue syntax error",
			file:    "links.cue",
			content: `links: [{`,
			wantErr: "building CUE value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, path, cfgErr.Path)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/links.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
