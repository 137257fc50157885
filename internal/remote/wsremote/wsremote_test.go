package wsremote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/firesync/internal/remote"
	"github.com/roach88/firesync/internal/remote/memtree"
	"github.com/roach88/firesync/internal/remote/remotetest"
)

// startServer serves a fresh memtree and returns the backing tree, the
// server and its WebSocket URL.
func startServer(t *testing.T) (*memtree.Tree, *Server, string) {
	t.Helper()
	tree := memtree.New()
	srv := NewServer(tree, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return tree, srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dialTest(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_Conformance(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Store {
		_, _, url := startServer(t)
		return dialTest(t, url)
	})
}

func TestClient_SeesOtherClientsWrites(t *testing.T) {
	_, _, url := startServer(t)
	a := dialTest(t, url)
	b := dialTest(t, url)
	ctx := context.Background()
	ref := remote.MustParseRef("/notes")

	sub, err := b.Subscribe(ctx, ref)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Write(ctx, ref, "k", []byte(`{"v":1}`)))
	ev := remotetest.Next(t, sub)
	assert.Equal(t, remote.Added, ev.Kind)
	assert.Equal(t, "k", ev.Key)
}

func TestClient_UnsubscribeReleasesServerSide(t *testing.T) {
	tree, _, url := startServer(t)
	c := dialTest(t, url)
	ref := remote.MustParseRef("/notes")

	sub, err := c.Subscribe(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Subscribers(ref))

	sub.Unsubscribe()
	assert.Eventually(t, func() bool { return tree.Subscribers(ref) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestClient_ServerCloseEndsSubscriptions(t *testing.T) {
	_, srv, url := startServer(t)
	c := dialTest(t, url)

	sub, err := c.Subscribe(context.Background(), remote.MustParseRef("/notes"))
	require.NoError(t, err)

	srv.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice server close")
	}
	for range sub.Events() {
	}
	assert.ErrorIs(t, c.Write(context.Background(), remote.MustParseRef("/notes"), "k", []byte(`{}`)), ErrClosed)
}

func TestServer_Health(t *testing.T) {
	_, srv, _ := startServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_UnknownOp(t *testing.T) {
	_, _, url := startServer(t)
	c := dialTest(t, url)

	_, err := c.call(context.Background(), &frame{Op: "explode", Ref: "/x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op")
}
