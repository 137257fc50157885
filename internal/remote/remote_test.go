package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"/notes", "/notes"},
		{"notes", "/notes"},
		{"/notes/", "/notes"},
		{"/a/b/c", "/a/b/c"},
		{"/", RootRef},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"", "/a//b", "/a.b", "/a#", "/$x", "/[0]"} {
		_, err := ParseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestRefChild(t *testing.T) {
	assert.Equal(t, Ref("/notes/abc"), MustParseRef("/notes").Child("abc"))
	assert.Equal(t, Ref("/abc"), RootRef.Child("abc"))
	assert.Equal(t, []string{"notes", "abc"}, Ref("/notes/abc").Segments())
	assert.Empty(t, RootRef.Segments())
}

func TestEventKind(t *testing.T) {
	for _, k := range []EventKind{Added, Changed, Removed} {
		got, err := ParseEventKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseEventKind("moved")
	assert.Error(t, err)
}

func TestFeed_DeliversInOrder(t *testing.T) {
	f := NewFeed(nil)
	defer f.Unsubscribe()

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, f.Push(Event{Kind: Added, Key: k}))
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-f.Events():
			assert.Equal(t, want, ev.Key)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestFeed_Unsubscribe(t *testing.T) {
	closed := 0
	f := NewFeed(func() { closed++ })
	f.Push(Event{Kind: Added, Key: "a"})
	f.Unsubscribe()
	f.Unsubscribe()

	assert.Equal(t, 1, closed)
	assert.False(t, f.Push(Event{Kind: Added, Key: "b"}))
	for range f.Events() {
		// Drain; the channel must be closed.
	}
}
