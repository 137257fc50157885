package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/remote"
	"github.com/roach88/firesync/internal/remote/fstree"
)

const notesConfig = `
links:
  - entity: notes
    ref: /notes
    index: /notes_index
`

// env is a temp directory holding a config, a database and a remote dir.
type env struct {
	t         *testing.T
	dir       string
	config    string
	db        string
	remoteDir string
}

func newEnv(t *testing.T, config string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		t:         t,
		dir:       dir,
		config:    filepath.Join(dir, "links.yaml"),
		db:        filepath.Join(dir, "app.db"),
		remoteDir: filepath.Join(dir, "remote"),
	}
	require.NoError(t, os.WriteFile(e.config, []byte(config), 0644))
	return e
}

// flags returns the global flags pointing at the env.
func (e *env) flags() []string {
	return []string{"--config", e.config, "--db", e.db, "--remote-dir", e.remoteDir}
}

// seed commits records to the local database.
func (e *env) seed(entity string, records ...payload.Object) {
	e.t.Helper()
	st, err := local.Open(e.db)
	require.NoError(e.t, err)
	defer st.Close()

	c := st.NewContext()
	for _, attrs := range records {
		c.Insert(entity, attrs)
	}
	require.NoError(e.t, c.Save(context.Background()))
}

// records returns every local record of entity.
func (e *env) records(entity string) []local.Record {
	e.t.Helper()
	st, err := local.Open(e.db)
	require.NoError(e.t, err)
	defer st.Close()

	recs, err := st.List(context.Background(), entity)
	require.NoError(e.t, err)
	return recs
}

func (e *env) tree() *fstree.Tree {
	e.t.Helper()
	tr, err := fstree.Open(e.remoteDir, nil)
	require.NoError(e.t, err)
	return tr
}

func (e *env) remoteValue(ref, key string) (string, bool) {
	e.t.Helper()
	data, ok, err := e.tree().Read(context.Background(), remote.MustParseRef(ref), key)
	require.NoError(e.t, err)
	return string(data), ok
}

// execute runs the root command with args and returns stdout.
func execute(ctx context.Context, args ...string) (string, error) {
	out := &syncBuffer{}
	err := executeTo(ctx, out, args...)
	return out.String(), err
}

func executeTo(ctx context.Context, out io.Writer, args ...string) error {
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func note(key, text string) payload.Object {
	obj := payload.Object{"text": payload.String(text)}
	if key != "" {
		obj["syncKey"] = payload.String(key)
	}
	return obj
}
