// Package remotetest provides a conformance suite for remote.Store
// implementations.
package remotetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/firesync/internal/remote"
)

// Timeout bounds every wait for an event.
var Timeout = 2 * time.Second

// Next returns the next event from sub, failing the test on timeout or a
// closed channel.
func Next(t testing.TB, sub remote.Subscription) remote.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for remote event")
		return remote.Event{}
	}
}

// ExpectQuiet fails if sub delivers an event within d.
func ExpectQuiet(t testing.TB, sub remote.Subscription, d time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %s %q %s", ev.Kind, ev.Key, ev.Payload)
		}
	case <-time.After(d):
	}
}

// Run exercises the remote.Store contract. newStore must return an empty
// store; the suite does not close it.
func Run(t *testing.T, newStore func(t *testing.T) remote.Store) {
	ref := remote.MustParseRef("/notes")

	t.Run("WriteRead", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, ok, err := s.Read(ctx, ref, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{ "text": "hi", "n": 1 }`)))
		got, ok, err := s.Read(ctx, ref, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"n":1,"text":"hi"}`, string(got), "payloads are stored canonically")
	})

	t.Run("Snapshot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		snap, err := s.ReadSnapshot(ctx, ref)
		require.NoError(t, err)
		assert.Empty(t, snap)

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{"v":1}`)))
		require.NoError(t, s.Write(ctx, ref, "b", []byte(`true`)))
		require.NoError(t, s.Write(ctx, remote.MustParseRef("/other"), "c", []byte(`{"v":3}`)))

		snap, err = s.ReadSnapshot(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"a": []byte(`{"v":1}`), "b": []byte(`true`)}, snap)
	})

	t.Run("Remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{"v":1}`)))
		require.NoError(t, s.Remove(ctx, ref, "a"))
		require.NoError(t, s.Remove(ctx, ref, "a"), "removing a missing child is not an error")

		_, ok, err := s.Read(ctx, ref, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		assert.Error(t, s.Write(ctx, ref, "a.b", []byte(`{}`)))
		assert.Error(t, s.Write(ctx, ref, "", []byte(`{}`)))
		assert.Error(t, s.Write(ctx, ref, "a", []byte(`{not json`)))
		assert.Error(t, s.Write(ctx, ref, "a", []byte(`{"f":1.5}`)))
		assert.Error(t, s.Write(ctx, ref, "a", []byte(`null`)))
	})

	t.Run("SubscribeExisting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{"v":1}`)))
		require.NoError(t, s.Write(ctx, ref, "b", []byte(`{"v":2}`)))

		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		seen := map[string]string{}
		for i := 0; i < 2; i++ {
			ev := Next(t, sub)
			assert.Equal(t, remote.Added, ev.Kind)
			seen[ev.Key] = string(ev.Payload)
		}
		assert.Equal(t, map[string]string{"a": `{"v":1}`, "b": `{"v":2}`}, seen)
	})

	t.Run("SubscribeLive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{"v":1}`)))
		ev := Next(t, sub)
		assert.Equal(t, remote.Event{Kind: remote.Added, Key: "a", Payload: []byte(`{"v":1}`)}, ev)

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{"v":2}`)))
		ev = Next(t, sub)
		assert.Equal(t, remote.Event{Kind: remote.Changed, Key: "a", Payload: []byte(`{"v":2}`)}, ev)

		require.NoError(t, s.Remove(ctx, ref, "a"))
		ev = Next(t, sub)
		assert.Equal(t, remote.Removed, ev.Kind)
		assert.Equal(t, "a", ev.Key)
	})

	t.Run("UnchangedWriteIsSilent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{"v":1}`)))
		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		defer sub.Unsubscribe()
		assert.Equal(t, remote.Added, Next(t, sub).Kind)

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{ "v" : 1 }`)))
		ExpectQuiet(t, sub, 200*time.Millisecond)
	})

	t.Run("OtherRefIsSilent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, s.Write(ctx, remote.MustParseRef("/other"), "a", []byte(`{"v":1}`)))
		ExpectQuiet(t, sub, 200*time.Millisecond)
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		sub.Unsubscribe()
		sub.Unsubscribe()

		require.NoError(t, s.Write(ctx, ref, "a", []byte(`{"v":1}`)))
		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok, "no events after unsubscribe")
		case <-time.After(Timeout):
			t.Fatal("events channel not closed after unsubscribe")
		}
	})
}
