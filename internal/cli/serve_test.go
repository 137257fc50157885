package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/firesync/internal/remote"
	"github.com/roach88/firesync/internal/remote/wsremote"
)

func TestServe(t *testing.T) {
	dir := t.TempDir()
	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", RemoteDir: dir},
		Addr:        "127.0.0.1:0",
		ready:       ready,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(ctx)

	errc := make(chan error, 1)
	go func() { errc <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errc:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	client, err := wsremote.Dial(ctx, "ws://"+addr+"/ws", nil)
	require.NoError(t, err)

	ref := remote.MustParseRef("/notes")
	require.NoError(t, client.Write(ctx, ref, "a", []byte(`{"text":"hi"}`)))
	data, ok, err := client.Read(ctx, ref, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hi"}`, string(data))
	require.NoError(t, client.Close())

	// The directory backs the served tree.
	e := &env{t: t, remoteDir: dir}
	v, ok := e.remoteValue("/notes", "a")
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hi"}`, v)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, out.String(), "Serving on ws://"+addr+"/ws")
	assert.Contains(t, out.String(), "Stopped.")
}

func TestServe_BadAddr(t *testing.T) {
	_, err := execute(context.Background(), "serve", "--addr", "not-an-address")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to listen")
}
