package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/firesync/internal/payload"
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type recordRef struct {
	entity string
	id     string
}

// change is one staged mutation. For opUpdate, attrs is a patch in which
// Null deletes an attribute. For opInsert, attrs is the full record.
type change struct {
	op    opKind
	attrs payload.Object
}

// Context stages inserts, updates and deletes until Store.Save applies them
// in one transaction. Safe for concurrent use.
type Context struct {
	store *Store

	mu      sync.Mutex
	changes map[recordRef]*change
	order   []recordRef
}

// NewContext creates an empty write context bound to the store.
func (s *Store) NewContext() *Context {
	return &Context{store: s, changes: make(map[recordRef]*change)}
}

// Insert stages a new record and returns its id.
func (c *Context) Insert(entity string, attrs payload.Object) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.Must(uuid.NewV7()).String()
	ref := recordRef{entity: entity, id: id}
	c.changes[ref] = &change{op: opInsert, attrs: attrs.Without()}
	c.order = append(c.order, ref)
	return id
}

// Update stages an attribute patch for a record. Null values clear
// attributes. Patching a record staged for deletion is an error.
func (c *Context) Update(entity, id string, attrs payload.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := recordRef{entity: entity, id: id}
	ch, ok := c.changes[ref]
	if !ok {
		c.changes[ref] = &change{op: opUpdate, attrs: attrs.Clone()}
		c.order = append(c.order, ref)
		return nil
	}

	switch ch.op {
	case opDelete:
		return fmt.Errorf("update %s/%s: record is staged for deletion", entity, id)
	case opInsert:
		ch.attrs = applyPatch(ch.attrs, attrs)
	default:
		merged := ch.attrs.Clone()
		for k, v := range attrs {
			merged[k] = v
		}
		ch.attrs = merged
	}
	return nil
}

// Delete stages a record for deletion. Deleting a record that was inserted
// in this context just drops the insert.
func (c *Context) Delete(entity, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := recordRef{entity: entity, id: id}
	ch, ok := c.changes[ref]
	if ok && ch.op == opInsert {
		delete(c.changes, ref)
		c.removeOrderLocked(ref)
		return nil
	}
	if !ok {
		c.order = append(c.order, ref)
	}
	c.changes[ref] = &change{op: opDelete}
	return nil
}

// Get returns a record as it would look after Save.
func (c *Context) Get(ctx context.Context, entity, id string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(ctx, recordRef{entity: entity, id: id})
}

// Find returns the first record of entity whose string attribute attr equals
// value, as it would look after Save. Staged records are searched before
// stored ones.
func (c *Context) Find(ctx context.Context, entity, attr, value string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := payload.String(value)
	for _, ref := range c.order {
		if ref.entity != entity {
			continue
		}
		rec, ok, err := c.viewLocked(ctx, ref)
		if err != nil {
			return Record{}, false, err
		}
		if ok && payload.Equal(rec.Attrs[attr], want) {
			return rec, true, nil
		}
	}

	stored, err := c.store.FindBy(ctx, entity, attr, value)
	if err != nil {
		return Record{}, false, err
	}
	for _, rec := range stored {
		if _, staged := c.changes[recordRef{entity: entity, id: rec.ID}]; staged {
			continue
		}
		return rec, true, nil
	}
	return Record{}, false, nil
}

// HasChanges reports whether anything is staged.
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order) > 0
}

// Rollback discards every staged change.
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Save applies the staged changes. Shorthand for Store.Save.
func (c *Context) Save(ctx context.Context) error {
	return c.store.Save(ctx, c)
}

func (c *Context) viewLocked(ctx context.Context, ref recordRef) (Record, bool, error) {
	ch, staged := c.changes[ref]
	if staged {
		switch ch.op {
		case opDelete:
			return Record{}, false, nil
		case opInsert:
			return Record{Entity: ref.entity, ID: ref.id, Attrs: ch.attrs.Clone()}, true, nil
		}
	}

	rec, err := c.store.Get(ctx, ref.entity, ref.id)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if staged {
		rec.Attrs = applyPatch(rec.Attrs, ch.attrs)
	}
	return rec, true, nil
}

func (c *Context) removeOrderLocked(ref recordRef) {
	for i, r := range c.order {
		if r == ref {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Context) resetLocked() {
	c.changes = make(map[recordRef]*change)
	c.order = nil
}

// Save applies every change staged in c in one transaction, clears c, and
// then notifies subscribers. On error nothing is applied and c keeps its
// changes.
func (s *Store) Save(ctx context.Context, c *Context) error {
	if c.store != s {
		return fmt.Errorf("save: context belongs to another store")
	}

	c.mu.Lock()
	s.saveMu.Lock()
	ev, err := s.applyLocked(ctx, c)
	s.saveMu.Unlock()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.resetLocked()
	c.mu.Unlock()

	s.publish(ev)
	return nil
}

func (s *Store) applyLocked(ctx context.Context, c *Context) (CommitEvent, error) {
	var ev CommitEvent
	if len(c.order) == 0 {
		return ev, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ev, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, ref := range c.order {
		ch := c.changes[ref]
		switch ch.op {
		case opInsert:
			data, err := marshalAttrs(ch.attrs)
			if err != nil {
				return CommitEvent{}, fmt.Errorf("insert %s/%s: %w", ref.entity, ref.id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO records (entity, id, attrs, version) VALUES (?, ?, ?, 1)
			`, ref.entity, ref.id, data); err != nil {
				return CommitEvent{}, fmt.Errorf("insert %s/%s: %w", ref.entity, ref.id, err)
			}
			ev.Inserted = append(ev.Inserted, Record{Entity: ref.entity, ID: ref.id, Attrs: ch.attrs.Clone()})

		case opUpdate:
			before, found, err := loadTx(ctx, tx, ref)
			if err != nil {
				return CommitEvent{}, err
			}
			if !found {
				return CommitEvent{}, fmt.Errorf("update %s/%s: %w", ref.entity, ref.id, ErrNotFound)
			}
			after := applyPatch(before, ch.attrs)
			data, err := marshalAttrs(after)
			if err != nil {
				return CommitEvent{}, fmt.Errorf("update %s/%s: %w", ref.entity, ref.id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE records SET attrs = ?, version = version + 1
				WHERE entity = ? AND id = ?
			`, data, ref.entity, ref.id); err != nil {
				return CommitEvent{}, fmt.Errorf("update %s/%s: %w", ref.entity, ref.id, err)
			}
			ev.Updated = append(ev.Updated, Record{Entity: ref.entity, ID: ref.id, Attrs: after})

		case opDelete:
			before, found, err := loadTx(ctx, tx, ref)
			if err != nil {
				return CommitEvent{}, err
			}
			// Already gone: deleting is idempotent.
			if !found {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM records WHERE entity = ? AND id = ?
			`, ref.entity, ref.id); err != nil {
				return CommitEvent{}, fmt.Errorf("delete %s/%s: %w", ref.entity, ref.id, err)
			}
			ev.Deleted = append(ev.Deleted, Record{Entity: ref.entity, ID: ref.id, Attrs: before})
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitEvent{}, fmt.Errorf("commit transaction: %w", err)
	}
	return ev, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTx(ctx context.Context, q queryer, ref recordRef) (payload.Object, bool, error) {
	var attrs string
	err := q.QueryRowContext(ctx, `
		SELECT attrs FROM records WHERE entity = ? AND id = ?
	`, ref.entity, ref.id).Scan(&attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s/%s: %w", ref.entity, ref.id, err)
	}
	obj, err := unmarshalAttrs(attrs)
	if err != nil {
		return nil, false, fmt.Errorf("load %s/%s: %w", ref.entity, ref.id, err)
	}
	return obj, true, nil
}
