package engine

import (
	"fmt"

	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
)

// onCommit turns one local commit into outbox jobs. It runs on the saving
// goroutine, possibly while the apply loop holds writeMu, so it must not
// take writeMu or block.
func (e *Engine) onCommit(ev local.CommitEvent) {
	e.mu.Lock()
	observing := e.observing
	ob := e.outbox
	e.mu.Unlock()
	if !observing {
		return
	}

	links, gens := e.linkSnapshot()
	names := e.names.Load()

	for _, rec := range ev.Inserted {
		if link, ok := links[rec.Entity]; ok {
			e.propagateWrite(ob, link, gens[rec.Entity], names, rec, true)
		}
	}
	for _, rec := range ev.Updated {
		if link, ok := links[rec.Entity]; ok {
			e.propagateWrite(ob, link, gens[rec.Entity], names, rec, false)
		}
	}
	for _, rec := range ev.Deleted {
		if e.echoes.takeDelete(rec.Entity, rec.ID) {
			// Applied from a remote Removed event; the node is already gone.
			e.stats.echoesSuppressed.Add(1)
			continue
		}
		if link, ok := links[rec.Entity]; ok {
			e.propagateDelete(ob, link, gens[rec.Entity], names, rec)
		}
	}
}

func (e *Engine) propagateWrite(ob *outbox, link EntityLink, gen uint64, names *attrNames, rec local.Record, inserted bool) {
	key, ok := rec.String(names.key)
	if !ok {
		e.logger.Debug("record has no key, not propagated", "entity", rec.Entity, "id", rec.ID)
		return
	}

	data, err := syncPayload(rec, names)
	if err != nil {
		e.report(&SyncError{Kind: KindRemoteWrite, Entity: rec.Entity, Key: key, LocalID: rec.ID, Err: err})
		return
	}

	snapshot, hasSnapshot := rec.String(names.snapshot)
	if hasSnapshot && snapshot == string(data) {
		e.stats.echoesSuppressed.Add(1)
		e.logger.Debug("payload matches snapshot, not propagated", "entity", rec.Entity, "key", key)
		return
	}

	ob.push(job{
		op:      opWrite,
		link:    link,
		gen:     gen,
		localID: rec.ID,
		key:     key,
		payload: data,
		// A record's first upload also registers it in the index.
		index: link.HasIndex() && (inserted || !hasSnapshot),
	})
}

func (e *Engine) propagateDelete(ob *outbox, link EntityLink, gen uint64, names *attrNames, rec local.Record) {
	key, ok := rec.String(names.key)
	if !ok {
		return
	}
	ob.push(job{
		op:      opRemove,
		link:    link,
		gen:     gen,
		localID: rec.ID,
		key:     key,
		index:   link.HasIndex(),
	})
}

// syncPayload is the canonical encoding of a record's synchronizable
// attributes: everything but the reserved attributes and nulls.
func syncPayload(rec local.Record, names *attrNames) ([]byte, error) {
	data, err := payload.Marshal(rec.Attrs.Without(names.key, names.snapshot))
	if err != nil {
		return nil, fmt.Errorf("serialize %s/%s: %w", rec.Entity, rec.ID, err)
	}
	return data, nil
}
