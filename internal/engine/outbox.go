package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/firesync/internal/keycodec"
	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/queue"
)

type jobOp int

const (
	opWrite jobOp = iota + 1
	opRemove
)

// indexMarker is the value stored at index/key.
var indexMarker = []byte("true")

// job is one queued remote change for one record.
type job struct {
	op      jobOp
	link    EntityLink
	gen     uint64
	localID string
	key     string // local form
	payload []byte
	index   bool
}

// outbox is the FIFO of remote changes. One worker drains it, so changes
// reach the remote store in commit order.
type outbox struct {
	q *queue.Queue[job]

	mu       sync.Mutex
	enqueued uint64
	done     uint64
	closed   bool
	progress chan struct{} // closed and replaced whenever done advances
}

func newOutbox() *outbox {
	return &outbox{
		q:        queue.New[job](),
		progress: make(chan struct{}),
	}
}

func (o *outbox) push(j job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.q.Enqueue(j) {
		return false
	}
	o.enqueued++
	return true
}

func (o *outbox) markDone() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done++
	close(o.progress)
	o.progress = make(chan struct{})
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.q.Close()
	close(o.progress)
	o.progress = make(chan struct{})
}

func (o *outbox) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed || o.done == o.enqueued
}

// pending returns how many queued jobs were never attempted.
func (o *outbox) pending() int {
	return o.q.Len()
}

// wait blocks until every job pushed before the call is done.
func (o *outbox) wait(ctx context.Context) error {
	o.mu.Lock()
	target := o.enqueued
	for o.done < target {
		if o.closed {
			o.mu.Unlock()
			return errors.New("flush: engine stopped")
		}
		ch := o.progress
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		o.mu.Lock()
	}
	o.mu.Unlock()
	return nil
}

func (e *Engine) outboxLoop(ctx context.Context, ob *outbox) {
	defer e.wg.Done()
	for {
		j, ok := ob.q.Dequeue(ctx)
		if !ok || ctx.Err() != nil {
			return
		}
		e.runJob(ctx, j)
		ob.markDone()
	}
}

func (e *Engine) runJob(ctx context.Context, j job) {
	// Unlinked or relinked since the commit: the job targets a stale ref.
	if _, ok := e.currentLink(j.link.Entity, j.gen); !ok {
		e.logger.Debug("dropping remote change for unlinked entity", "entity", j.link.Entity, "key", j.key)
		return
	}

	switch j.op {
	case opWrite:
		// Until the snapshot is recorded, the apply loop recognizes the
		// echo of this write through the in-flight payload.
		e.echoes.beginWrite(j.link.Entity, j.key, j.payload)
		err := e.writePayload(ctx, j.link, j.localID, j.key, j.payload)
		e.writeMu.Lock()
		if err == nil {
			if _, ok := e.currentLink(j.link.Entity, j.gen); ok {
				e.recordSnapshotLocked(ctx, j.link.Entity, j.localID, j.key, j.payload)
			}
		}
		e.echoes.endWrite(j.link.Entity, j.key)
		e.writeMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Debug("remote write cancelled", "entity", j.link.Entity, "key", j.key)
				return
			}
			e.report(err)
			return
		}
		if j.index {
			e.writeIndex(ctx, j.link, j.localID, j.key)
		}
	case opRemove:
		e.removeRemote(ctx, j)
	}
}

// writePayload writes one record's payload at ref/key.
func (e *Engine) writePayload(ctx context.Context, link EntityLink, localID, key string, data []byte) *SyncError {
	remoteKey := keycodec.ToRemote(key)
	if err := e.remote.Write(ctx, link.Ref, remoteKey, data); err != nil {
		return &SyncError{
			Kind: KindRemoteWrite, Entity: link.Entity, Key: key, LocalID: localID,
			Err: fmt.Errorf("write %s: %w", link.Ref.Child(remoteKey), err),
		}
	}
	e.stats.remoteWrites.Add(1)
	e.logger.Debug("remote write", "entity", link.Entity, "key", key, "ref", string(link.Ref), "digest", payload.ShortDigest(data))
	return nil
}

// writeIndex writes the index marker for key. Failures are reported.
func (e *Engine) writeIndex(ctx context.Context, link EntityLink, localID, key string) {
	remoteKey := keycodec.ToRemote(key)
	if err := e.remote.Write(ctx, link.Index, remoteKey, indexMarker); err != nil {
		e.report(&SyncError{
			Kind: KindRemoteWrite, Entity: link.Entity, Key: key, LocalID: localID,
			Err: fmt.Errorf("write index %s: %w", link.Index.Child(remoteKey), err),
		})
	}
}

// recordSnapshotLocked stores data as the record's snapshot directly, so it
// produces no commit event. Caller holds writeMu.
func (e *Engine) recordSnapshotLocked(ctx context.Context, entity, localID, key string, data []byte) {
	names := e.names.Load()
	err := e.local.WriteAttribute(ctx, entity, localID, names.snapshot, payload.String(data))
	if errors.Is(err, local.ErrNotFound) {
		// Deleted locally while the write was in flight; its removal follows.
		return
	}
	if err != nil {
		e.report(&SyncError{
			Kind: KindCommit, Entity: entity, Key: key, LocalID: localID,
			Err: fmt.Errorf("record snapshot: %w", err),
		})
	}
}

func (e *Engine) removeRemote(ctx context.Context, j job) {
	remoteKey := keycodec.ToRemote(j.key)

	if err := e.remote.Remove(ctx, j.link.Ref, remoteKey); err != nil {
		e.report(&SyncError{
			Kind: KindRemoteWrite, Entity: j.link.Entity, Key: j.key, LocalID: j.localID,
			Err: fmt.Errorf("remove %s: %w", j.link.Ref.Child(remoteKey), err),
		})
	} else {
		e.stats.remoteRemoves.Add(1)
		e.logger.Debug("remote remove", "entity", j.link.Entity, "key", j.key, "ref", string(j.link.Ref))
	}

	if !j.index {
		return
	}
	if err := e.remote.Remove(ctx, j.link.Index, remoteKey); err != nil {
		e.report(&SyncError{
			Kind: KindRemoteWrite, Entity: j.link.Entity, Key: j.key, LocalID: j.localID,
			Err: fmt.Errorf("remove index %s: %w", j.link.Index.Child(remoteKey), err),
		})
	}
}
