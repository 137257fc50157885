package engine

import (
	"context"
	"fmt"

	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
)

// AssignMissingKeys gives every record of every linked entity that lacks a
// key a fresh one, with an empty snapshot, and commits once. It returns the
// number of records keyed. Running it again finds nothing to do.
//
// When the engine is started the commit propagates the newly keyed records
// like any other local change.
func (e *Engine) AssignMissingKeys(ctx context.Context) (int, error) {
	links := e.Links()
	names := e.names.Load()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.wc == nil || e.commit == nil {
		return 0, configError("assign keys: no write context configured")
	}

	n := 0
	for _, link := range links {
		err := e.local.Enumerate(ctx, link.Entity, func(rec local.Record) error {
			if _, ok := rec.String(names.key); ok {
				return nil
			}
			key := e.keyGen.Generate()
			err := e.wc.Update(link.Entity, rec.ID, payload.Object{
				names.key:      payload.String(key),
				names.snapshot: payload.Null{},
			})
			if err != nil {
				return fmt.Errorf("stage key for %s: %w", rec.ID, err)
			}
			n++
			e.logger.Debug("key assigned", "entity", link.Entity, "id", rec.ID, "key", key)
			return nil
		})
		if err != nil {
			e.discardStagedLocked()
			return 0, &SyncError{Kind: KindCommit, Entity: link.Entity, Err: err}
		}
	}

	if n == 0 {
		return 0, nil
	}
	if err := e.commit(ctx, e.wc); err != nil {
		e.discardStagedLocked()
		return 0, &SyncError{Kind: KindCommit, Err: fmt.Errorf("assign keys: %w", err)}
	}
	e.stats.commits.Add(1)
	e.logger.Info("keys assigned", "count", n)
	return n, nil
}
