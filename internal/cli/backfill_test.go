package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/firesync/internal/remote"
)

func TestBackfill(t *testing.T) {
	e := newEnv(t, notesConfig)
	e.seed("notes", note("a", "hello"), note("b", "world"), note("", "draft"))

	// b is already present remotely and must not be overwritten.
	require.NoError(t, e.tree().Write(context.Background(), remote.MustParseRef("/notes"), "b", []byte(`{"text":"remote"}`)))

	out, err := execute(context.Background(), append(e.flags(), "backfill")...)
	require.NoError(t, err)
	assert.Equal(t, "notes: scanned 3, uploaded 1, present 1, unkeyed 1, failed 0\n", out)

	v, ok := e.remoteValue("/notes", "a")
	require.True(t, ok)
	assert.Equal(t, `{"text":"hello"}`, v)

	v, ok = e.remoteValue("/notes_index", "a")
	require.True(t, ok)
	assert.Equal(t, "true", v)

	v, _ = e.remoteValue("/notes", "b")
	assert.Equal(t, `{"text":"remote"}`, v)

	// A second pass finds nothing missing.
	out, err = execute(context.Background(), append(e.flags(), "backfill", "-e", "notes")...)
	require.NoError(t, err)
	assert.Equal(t, "notes: scanned 3, uploaded 0, present 2, unkeyed 1, failed 0\n", out)
}

func TestBackfill_UnknownEntity(t *testing.T) {
	e := newEnv(t, notesConfig)

	_, err := execute(context.Background(), append(e.flags(), "backfill", "-e", "tasks")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "backfill failed")
}

func TestBackfill_MissingFlags(t *testing.T) {
	e := newEnv(t, notesConfig)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no config", []string{"--db", e.db, "--remote-dir", e.remoteDir}, "--config is required"},
		{"no db", []string{"--config", e.config, "--remote-dir", e.remoteDir}, "--db is required"},
		{"no remote", []string{"--config", e.config, "--db", e.db}, "failed to open remote store"},
		{"bad config", []string{"--config", e.config + ".missing", "--db", e.db, "--remote-dir", e.remoteDir}, "invalid config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(context.Background(), append(tt.args, "backfill")...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAssignKeys(t *testing.T) {
	e := newEnv(t, notesConfig)
	e.seed("notes", note("", "one"), note("", "two"), note("k", "keyed"))

	out, err := execute(context.Background(), append(e.flags(), "--format", "json", "assign-keys")...)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   AssignKeysResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Assigned)
	require.Len(t, resp.Data.Backfill, 1)
	assert.Equal(t, 3, resp.Data.Backfill[0].Uploaded)

	for _, rec := range e.records("notes") {
		key, ok := rec.String("syncKey")
		require.True(t, ok, rec.ID)
		_, ok = e.remoteValue("/notes", key)
		assert.True(t, ok, key)
	}

	out, err = execute(context.Background(), append(e.flags(), "assign-keys")...)
	require.NoError(t, err)
	assert.Equal(t, "assigned 0 key(s)\n", out)
}

func TestAssignKeys_NoUpload(t *testing.T) {
	e := newEnv(t, notesConfig)
	e.seed("notes", note("", "one"))

	out, err := execute(context.Background(), append(e.flags(), "assign-keys", "--upload=false")...)
	require.NoError(t, err)
	assert.Equal(t, "assigned 1 key(s)\n", out)

	snap, err := e.tree().ReadSnapshot(context.Background(), remote.MustParseRef("/notes"))
	require.NoError(t, err)
	assert.Empty(t, snap)
}
