package engine

import (
	"context"
	"fmt"

	"github.com/roach88/firesync/internal/keycodec"
	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/queue"
	"github.com/roach88/firesync/internal/remote"
)

// inbound is a remote event tagged with the link generation it was
// subscribed under. Events from a replaced or removed link are dropped.
type inbound struct {
	entity string
	gen    uint64
	index  bool
	ev     remote.Event
}

// applyLoop applies remote events one at a time, in arrival order.
func (e *Engine) applyLoop(ctx context.Context, q *queue.Queue[inbound]) {
	defer e.wg.Done()
	for {
		in, ok := q.Dequeue(ctx)
		if !ok || ctx.Err() != nil {
			return
		}
		if in.index {
			e.applyIndexEvent(ctx, in)
		} else {
			e.writeMu.Lock()
			e.applyLocked(ctx, in, in.ev)
			e.writeMu.Unlock()
		}
		e.inflight.Add(-1)
	}
}

// applyLocked applies ev to the write context and commits. Caller holds
// writeMu.
func (e *Engine) applyLocked(ctx context.Context, in inbound, ev remote.Event) {
	if !e.active.Load() || ctx.Err() != nil {
		return
	}
	link, ok := e.currentLink(in.entity, in.gen)
	if !ok {
		return
	}

	key, err := keycodec.ToLocal(ev.Key)
	if err != nil {
		e.report(&SyncError{Kind: KindDecode, Entity: link.Entity, Key: ev.Key, Err: err})
		return
	}

	changed, serr := e.stageEvent(ctx, link, key, ev)
	if serr != nil {
		e.discardStagedLocked()
		e.report(serr)
		return
	}
	if !changed {
		e.logger.Debug("remote event already applied", "entity", link.Entity, "key", key, "kind", ev.Kind.String())
		return
	}

	e.stats.eventsApplied.Add(1)
	if err := e.commit(ctx, e.wc); err != nil {
		// A failed event must not leak into the next commit.
		e.discardStagedLocked()
		e.report(&SyncError{Kind: KindCommit, Entity: link.Entity, Key: key, Err: err})
		return
	}
	e.echoes.clearDeletes()
	e.stats.commits.Add(1)
	e.logger.Debug("remote event applied", "entity", link.Entity, "key", key, "kind", ev.Kind.String())
}

// discardStagedLocked rolls back whatever a failed event or pass left in
// the write context. Caller holds writeMu.
func (e *Engine) discardStagedLocked() {
	e.wc.Rollback()
	e.echoes.clearDeletes()
}

// stageEvent stages the mutation for one event in the write context.
// Returns false when the local record already reflects the event.
func (e *Engine) stageEvent(ctx context.Context, link EntityLink, key string, ev remote.Event) (bool, *SyncError) {
	names := e.names.Load()
	fail := func(kind Kind, id string, err error) (bool, *SyncError) {
		return false, &SyncError{Kind: kind, Entity: link.Entity, Key: key, LocalID: id, Err: err}
	}

	rec, found, err := e.wc.Find(ctx, link.Entity, names.key, key)
	if err != nil {
		return fail(KindCommit, "", fmt.Errorf("find local record: %w", err))
	}

	switch ev.Kind {
	case remote.Added, remote.Changed:
		obj, err := payload.UnmarshalObject(ev.Payload)
		if err != nil {
			return fail(KindRemoteRead, rec.ID, err)
		}
		attrs := obj.Without(names.key, names.snapshot)
		canonical, err := payload.Marshal(attrs)
		if err != nil {
			return fail(KindRemoteRead, rec.ID, err)
		}
		if found && e.echoes.writing(link.Entity, key, canonical) {
			// Our own write, echoed before its snapshot was recorded.
			return false, nil
		}

		if !found {
			attrs[names.key] = payload.String(key)
			attrs[names.snapshot] = payload.String(canonical)
			e.wc.Insert(link.Entity, attrs)
			return true, nil
		}

		patch := applyPatchFor(rec, attrs, names)
		patch[names.snapshot] = payload.String(canonical)
		if !changesRecord(rec, patch) {
			return false, nil
		}
		if err := e.wc.Update(link.Entity, rec.ID, patch); err != nil {
			return fail(KindCommit, rec.ID, err)
		}
		return true, nil

	case remote.Removed:
		if !found {
			return false, nil
		}
		if err := e.wc.Delete(link.Entity, rec.ID); err != nil {
			return fail(KindCommit, rec.ID, err)
		}
		e.echoes.markDelete(link.Entity, rec.ID)
		return true, nil

	default:
		return fail(KindRemoteRead, rec.ID, fmt.Errorf("unknown event kind %d", ev.Kind))
	}
}

// applyPatchFor builds the patch that makes rec's synchronizable attributes
// equal attrs: attributes missing from attrs are cleared.
func applyPatchFor(rec local.Record, attrs payload.Object, names *attrNames) payload.Object {
	patch := attrs.Clone()
	for name := range rec.Attrs {
		if name == names.key || name == names.snapshot {
			continue
		}
		if _, ok := attrs[name]; !ok {
			patch[name] = payload.Null{}
		}
	}
	return patch
}

func changesRecord(rec local.Record, patch payload.Object) bool {
	for name, v := range patch {
		cur, ok := rec.Get(name)
		if payload.IsNull(v) {
			if ok {
				return true
			}
			continue
		}
		if !ok || !payload.Equal(cur, v) {
			return true
		}
	}
	return false
}

// applyIndexEvent fetches a record announced by the index when it is not
// present locally. Changed and Removed index entries are ignored.
func (e *Engine) applyIndexEvent(ctx context.Context, in inbound) {
	if in.ev.Kind != remote.Added {
		return
	}

	link, ok := e.currentLink(in.entity, in.gen)
	if !ok {
		return
	}
	key, err := keycodec.ToLocal(in.ev.Key)
	if err != nil {
		e.report(&SyncError{Kind: KindDecode, Entity: link.Entity, Key: in.ev.Key, Err: err})
		return
	}

	names := e.names.Load()
	e.writeMu.Lock()
	_, found, err := e.wc.Find(ctx, link.Entity, names.key, key)
	e.writeMu.Unlock()
	if err != nil {
		e.report(&SyncError{Kind: KindCommit, Entity: link.Entity, Key: key, Err: fmt.Errorf("find local record: %w", err)})
		return
	}
	if found {
		return
	}

	data, ok, err := e.remote.Read(ctx, link.Ref, in.ev.Key)
	if err != nil {
		e.report(&SyncError{
			Kind: KindRemoteRead, Entity: link.Entity, Key: key,
			Err: fmt.Errorf("read %s: %w", link.Ref.Child(in.ev.Key), err),
		})
		return
	}
	if !ok {
		e.logger.Debug("index entry has no record", "entity", link.Entity, "key", key)
		return
	}

	e.writeMu.Lock()
	e.applyLocked(ctx, in, remote.Event{Kind: remote.Added, Key: in.ev.Key, Payload: data})
	e.writeMu.Unlock()
}
