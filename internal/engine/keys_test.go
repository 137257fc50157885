package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/firesync/internal/keycodec"
	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/remote"
)

func TestAssignMissingKeys(t *testing.T) {
	f := newFixture(t, WithKeyGenerator(keycodec.NewFixedGenerator("n1", "n2", "t1")))
	f.link("notes", notesRef, "")
	f.link("tasks", remote.MustParseRef("/tasks"), "")

	keyed := f.insert("notes", payload.Object{"syncKey": payload.String("existing"), "text": payload.String("a")})
	f.insert("notes", payload.Object{"text": payload.String("b")})
	f.insert("notes", payload.Object{"text": payload.String("c"), "syncSnapshot": payload.String("stale")})
	f.insert("tasks", payload.Object{"title": payload.String("d")})
	f.insert("drafts", payload.Object{"text": payload.String("not linked")})

	n, err := f.eng.AssignMissingKeys(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(1), f.commits.Load(), "keys must be committed once")

	rec, err := f.local.Get(f.ctx, "notes", keyed)
	require.NoError(t, err)
	key, _ := rec.String("syncKey")
	assert.Equal(t, "existing", key, "existing key was replaced")

	for _, k := range []string{"n1", "n2"} {
		rec, ok := f.byKey("notes", k)
		require.True(t, ok, "no note keyed %s", k)
		_, hasSnap := rec.Get("syncSnapshot")
		assert.False(t, hasSnap, "new key must start with an empty snapshot")
	}
	_, ok := f.byKey("tasks", "t1")
	assert.True(t, ok)

	drafts, err := f.local.List(f.ctx, "drafts")
	require.NoError(t, err)
	_, hasKey := drafts[0].Get("syncKey")
	assert.False(t, hasKey, "unlinked entity was keyed")
}

func TestAssignMissingKeys_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.link("notes", notesRef, "")
	f.insert("notes", payload.Object{"text": payload.String("b")})

	n, err := f.eng.AssignMissingKeys(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.eng.AssignMissingKeys(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), f.commits.Load())
}

func TestAssignMissingKeys_UUIDv7ByDefault(t *testing.T) {
	f := newFixture(t)
	f.link("notes", notesRef, "")
	id := f.insert("notes", payload.Object{"text": payload.String("b")})

	_, err := f.eng.AssignMissingKeys(f.ctx)
	require.NoError(t, err)

	rec, err := f.local.Get(f.ctx, "notes", id)
	require.NoError(t, err)
	key, ok := rec.String("syncKey")
	require.True(t, ok)
	assert.Len(t, key, 36)
	assert.Equal(t, key, keycodec.ToRemote(key))
}

func TestAssignMissingKeys_RequiresWriteContext(t *testing.T) {
	f := newFixture(t)
	eng, err := New(f.local, f.remote, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = eng.AssignMissingKeys(f.ctx)
	assert.True(t, IsKind(err, KindConfig), "got %v", err)
}

func TestAssignMissingKeys_CommitFailure(t *testing.T) {
	f := newFixture(t)
	f.link("notes", notesRef, "")
	f.insert("notes", payload.Object{"text": payload.String("b")})
	boom := errors.New("read-only")
	f.commitErr.Store(&boom)

	n, err := f.eng.AssignMissingKeys(f.ctx)
	assert.Zero(t, n)
	assert.True(t, IsKind(err, KindCommit), "got %v", err)
	assert.ErrorIs(t, err, boom)

	recs, lerr := f.local.List(f.ctx, "notes")
	require.NoError(t, lerr)
	_, hasKey := recs[0].Get("syncKey")
	assert.False(t, hasKey)
	assert.False(t, f.wc.HasChanges(), "failed pass left keys staged")

	// A retry starts clean and keys the record once.
	f.commitErr.Store(nil)
	n, err = f.eng.AssignMissingKeys(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAssignMissingKeys_PropagatesWhenStarted(t *testing.T) {
	f := newFixture(t, WithKeyGenerator(keycodec.NewFixedGenerator("k1")))
	f.link("notes", notesRef, "")
	f.start()
	f.insert("notes", payload.Object{"text": payload.String("b")})

	_, err := f.eng.AssignMissingKeys(f.ctx)
	require.NoError(t, err)
	f.flush()

	got, ok := f.remoteValue(notesRef, "k1")
	require.True(t, ok)
	assert.Equal(t, `{"text":"b"}`, got)
	f.waitRecord("notes", "k1", func(r local.Record) bool { return snapshotOf(f, r) == `{"text":"b"}` })
}

func TestUnlink_StopsBothDirections(t *testing.T) {
	f := newFixture(t)
	f.link("notes", notesRef, notesIndex)
	f.start()
	require.Equal(t, 1, f.remote.Subscribers(notesRef))

	f.eng.Unlink("notes")
	_, ok := f.eng.Lookup("notes")
	assert.False(t, ok)
	assert.Equal(t, 0, f.remote.Subscribers(notesRef))
	assert.Equal(t, 0, f.remote.Subscribers(notesIndex))

	f.insert("notes", payload.Object{"syncKey": payload.String("k1"), "text": payload.String("x")})
	f.flush()
	assert.Empty(t, f.remote.Ops())

	f.writeRemote(notesRef, "k2", `{"text":"y"}`)
	assert.Never(t, func() bool {
		_, ok := f.byKey("notes", "k2")
		return ok
	}, quiet, tick)
}

func TestUnlink_DropsQueuedWrites(t *testing.T) {
	f := newFixture(t)
	f.link("notes", notesRef, "")
	link, _ := f.eng.Lookup("notes")
	queued := job{op: opWrite, link: link, gen: f.eng.gens["notes"], key: "k1", payload: []byte(`{"text":"x"}`)}

	// Relinking to the same ref still retires jobs queued under the old link.
	f.link("notes", notesRef, notesIndex)
	f.eng.runJob(f.ctx, queued)
	assert.Empty(t, f.remote.Ops())

	f.eng.Unlink("notes")
	queued.gen = 0
	f.eng.runJob(f.ctx, queued)
	assert.Empty(t, f.remote.Ops())
}

func TestUnlinkAll(t *testing.T) {
	f := newFixture(t)
	f.link("notes", notesRef, "")
	f.link("tasks", remote.MustParseRef("/tasks"), "")

	f.eng.UnlinkAll()
	assert.Empty(t, f.eng.Links())
	f.eng.Unlink("notes")
}

func TestLink_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		link EntityLink
	}{
		{"empty entity", EntityLink{Ref: notesRef}},
		{"empty ref", EntityLink{Entity: "notes"}},
		{"unnormalized ref", EntityLink{Entity: "notes", Ref: "notes/"}},
		{"index equals ref", EntityLink{Entity: "notes", Ref: notesRef, Index: notesRef}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.eng.Link(f.ctx, tt.link)
			assert.True(t, IsKind(err, KindConfig), "got %v", err)
		})
	}
	assert.Empty(t, f.eng.Links())
}

func TestLink_ReplaceMovesSubscriptions(t *testing.T) {
	f := newFixture(t)
	moved := remote.MustParseRef("/archive/notes")
	f.link("notes", notesRef, "")
	f.start()

	f.link("notes", notesRef, "")
	assert.Equal(t, 1, f.remote.Subscribers(notesRef), "identical relink resubscribed")

	f.link("notes", moved, "")
	assert.Equal(t, 0, f.remote.Subscribers(notesRef))
	assert.Equal(t, 1, f.remote.Subscribers(moved))

	link, ok := f.eng.Lookup("notes")
	require.True(t, ok)
	assert.Equal(t, moved, link.Ref)

	f.insert("notes", payload.Object{"syncKey": payload.String("k1"), "text": payload.String("x")})
	f.flush()
	_, ok = f.remoteValue(moved, "k1")
	assert.True(t, ok)
}

func TestLink_FailureKeepsPreviousLink(t *testing.T) {
	f := newFixture(t)
	f.link("notes", notesRef, "")
	f.start()

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	err := f.eng.Link(ctx, EntityLink{Entity: "notes", Ref: remote.MustParseRef("/elsewhere")})
	assert.True(t, IsKind(err, KindRemoteRead), "got %v", err)

	link, _ := f.eng.Lookup("notes")
	assert.Equal(t, notesRef, link.Ref)
	assert.Equal(t, 1, f.remote.Subscribers(notesRef))
}

func TestLinks_Sorted(t *testing.T) {
	f := newFixture(t)
	f.link("tasks", remote.MustParseRef("/tasks"), "")
	f.link("notes", notesRef, notesIndex)

	links := f.eng.Links()
	require.Len(t, links, 2)
	assert.Equal(t, "notes", links[0].Entity)
	assert.True(t, links[0].HasIndex())
	assert.Equal(t, "tasks", links[1].Entity)
	assert.False(t, links[1].HasIndex())
}
