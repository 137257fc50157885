package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/firesync/internal/payload"
)

// Get returns one record.
// Returns an error wrapping ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, entity, id string) (Record, error) {
	var attrs string
	err := s.db.QueryRowContext(ctx, `
		SELECT attrs FROM records WHERE entity = ? AND id = ?
	`, entity, id).Scan(&attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("get %s/%s: %w", entity, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", entity, id, err)
	}

	obj, err := unmarshalAttrs(attrs)
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", entity, id, err)
	}
	return Record{Entity: entity, ID: id, Attrs: obj}, nil
}

// List returns every record of an entity.
// Ordered by id with COLLATE BINARY for deterministic results.
func (s *Store) List(ctx context.Context, entity string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attrs FROM records
		WHERE entity = ?
		ORDER BY id COLLATE BINARY ASC
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, entity)
}

// Entities returns the distinct entity names in the store, sorted.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity FROM records ORDER BY entity COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return names, nil
}

// Count returns the number of records of an entity.
func (s *Store) Count(ctx context.Context, entity string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE entity = ?
	`, entity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// FindBy returns the records of an entity whose string attribute attr equals
// value, ordered by id.
func (s *Store) FindBy(ctx context.Context, entity, attr, value string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attrs FROM records
		WHERE entity = ? AND json_extract(attrs, ?) = ?
		ORDER BY id COLLATE BINARY ASC
	`, entity, jsonPath(attr), value)
	if err != nil {
		return nil, fmt.Errorf("query records by %s: %w", attr, err)
	}
	defer rows.Close()

	return scanRecords(rows, entity)
}

// Enumerate calls fn for every record of an entity, in id order.
// The records are loaded before the first call, so fn may use the store.
// Iteration stops at the first error fn returns.
func (s *Store) Enumerate(ctx context.Context, entity string, fn func(Record) error) error {
	records, err := s.List(ctx, entity)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// ReadAttribute returns one attribute of a record.
// The bool is false when the attribute is unset.
func (s *Store) ReadAttribute(ctx context.Context, entity, id, name string) (payload.Value, bool, error) {
	rec, err := s.Get(ctx, entity, id)
	if err != nil {
		return nil, false, err
	}
	v, ok := rec.Get(name)
	return v, ok, nil
}

// WriteAttribute sets one attribute of a record directly, outside any
// Context. A Null value clears the attribute. No commit event is published.
func (s *Store) WriteAttribute(ctx context.Context, entity, id, name string, v payload.Value) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	rec, err := s.Get(ctx, entity, id)
	if err != nil {
		return fmt.Errorf("write attribute %s: %w", name, err)
	}
	attrs := applyPatch(rec.Attrs, payload.Object{name: v})
	data, err := marshalAttrs(attrs)
	if err != nil {
		return fmt.Errorf("write attribute %s: %w", name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE records SET attrs = ?, version = version + 1
		WHERE entity = ? AND id = ?
	`, data, entity, id)
	if err != nil {
		return fmt.Errorf("write attribute %s: %w", name, err)
	}
	return nil
}

func scanRecords(rows *sql.Rows, entity string) ([]Record, error) {
	// Return empty slice instead of nil for consistency
	records := []Record{}
	for rows.Next() {
		var id, attrs string
		if err := rows.Scan(&id, &attrs); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		obj, err := unmarshalAttrs(attrs)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", entity, id, err)
		}
		records = append(records, Record{Entity: entity, ID: id, Attrs: obj})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// jsonPath builds a JSON path selecting one top-level member.
func jsonPath(attr string) string {
	return `$."` + strings.ReplaceAll(attr, `"`, `\"`) + `"`
}
