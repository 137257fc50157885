package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/firesync/internal/keycodec"
	"github.com/roach88/firesync/internal/local"
)

// BackfillResult summarizes one backfill pass over an entity.
type BackfillResult struct {
	Entity   string `json:"entity"`
	Scanned  int    `json:"scanned"`  // records enumerated
	Uploaded int    `json:"uploaded"` // records written to the remote store
	Skipped  int    `json:"skipped"`  // records already present remotely
	Unkeyed  int    `json:"unkeyed"`  // records without a key
	Failed   int    `json:"failed"`
}

// UploadMissing writes every keyed record of entity whose remote key is not
// in snapshot. snapshot maps remote keys to payloads, as returned by
// remote.Store.ReadSnapshot. Each upload writes the payload, records it as
// the snapshot and, for indexed links, writes the index marker.
//
// Upload failures are reported and counted; the first one is returned
// after the pass completes.
func (e *Engine) UploadMissing(ctx context.Context, entity string, snapshot map[string][]byte) (BackfillResult, error) {
	res := BackfillResult{Entity: entity}

	link, ok := e.Lookup(entity)
	if !ok {
		return res, &SyncError{Kind: KindConfig, Entity: entity, Err: errors.New("backfill: entity is not linked")}
	}
	names := e.names.Load()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var first *SyncError
	err := e.local.Enumerate(ctx, entity, func(rec local.Record) error {
		res.Scanned++
		key, ok := rec.String(names.key)
		if !ok {
			res.Unkeyed++
			return nil
		}
		if _, ok := snapshot[keycodec.ToRemote(key)]; ok {
			res.Skipped++
			return nil
		}

		data, err := syncPayload(rec, names)
		if err == nil {
			serr := e.writePayload(ctx, link, rec.ID, key, data)
			if serr == nil {
				e.recordSnapshotLocked(ctx, entity, rec.ID, key, data)
				if link.HasIndex() {
					e.writeIndex(ctx, link, rec.ID, key)
				}
				res.Uploaded++
				return nil
			}
			e.report(serr)
			if first == nil {
				first = serr
			}
		} else {
			serr := &SyncError{Kind: KindRemoteWrite, Entity: entity, Key: key, LocalID: rec.ID, Err: err}
			e.report(serr)
			if first == nil {
				first = serr
			}
		}
		res.Failed++
		return nil
	})
	if err != nil {
		return res, &SyncError{Kind: KindCommit, Entity: entity, Err: fmt.Errorf("enumerate: %w", err)}
	}

	e.logger.Info("backfill complete",
		"entity", entity,
		"scanned", res.Scanned,
		"uploaded", res.Uploaded,
		"skipped", res.Skipped,
		"unkeyed", res.Unkeyed,
		"failed", res.Failed,
	)
	if first != nil {
		return res, first
	}
	return res, nil
}

// Backfill reads the remote snapshot of entity's ref and uploads the
// records it lacks.
func (e *Engine) Backfill(ctx context.Context, entity string) (BackfillResult, error) {
	link, ok := e.Lookup(entity)
	if !ok {
		return BackfillResult{Entity: entity}, &SyncError{Kind: KindConfig, Entity: entity, Err: errors.New("backfill: entity is not linked")}
	}

	snapshot, err := e.remote.ReadSnapshot(ctx, link.Ref)
	if err != nil {
		return BackfillResult{Entity: entity}, &SyncError{
			Kind: KindRemoteRead, Entity: entity,
			Err: fmt.Errorf("read snapshot %s: %w", link.Ref, err),
		}
	}
	return e.UploadMissing(ctx, entity, snapshot)
}

// BackfillAll backfills every linked entity in name order. It stops at the
// first entity whose snapshot cannot be read; upload failures do not stop
// it.
func (e *Engine) BackfillAll(ctx context.Context) ([]BackfillResult, error) {
	results := make([]BackfillResult, 0)
	var errs []error
	for _, link := range e.Links() {
		res, err := e.Backfill(ctx, link.Entity)
		results = append(results, res)
		if err != nil {
			if IsKind(err, KindRemoteRead) || IsKind(err, KindConfig) {
				return results, err
			}
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}
