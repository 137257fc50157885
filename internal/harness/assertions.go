package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/firesync/internal/engine"
	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/remote"
)

// AssertionContext provides the final state assertions are checked against.
type AssertionContext struct {
	Ctx    context.Context
	Local  *local.Store
	Remote remote.Store

	KeyAttribute      string
	SnapshotAttribute string

	// Errors are every sync error reported during the run.
	Errors []*engine.SyncError
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertLocalRecord:
		return assertLocalRecord(a, actx)
	case AssertLocalMissing:
		return assertLocalMissing(a, actx)
	case AssertLocalCount:
		return assertLocalCount(a, actx)
	case AssertRemoteNode:
		return assertRemoteNode(a, actx)
	case AssertRemoteMissing:
		return assertRemoteMissing(a, actx)
	case AssertCommitCount:
		if got := result.Commits(); got != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d commits", a.Count), Actual: fmt.Sprint(got)}
		}
		return nil
	case AssertErrorCount:
		return assertErrorCount(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func findRecord(actx *AssertionContext, entity, key string) (local.Record, bool, error) {
	recs, err := actx.Local.FindBy(actx.Ctx, entity, actx.KeyAttribute, key)
	if err != nil {
		return local.Record{}, false, err
	}
	if len(recs) == 0 {
		return local.Record{}, false, nil
	}
	return recs[0], true, nil
}

// assertLocalRecord checks that the record exists, that every expected
// attribute matches (subset semantics, null meaning absent) and, when
// given, its snapshot.
func assertLocalRecord(a Assertion, actx *AssertionContext) error {
	rec, ok, err := findRecord(actx, a.Entity, a.Key)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("record %s/%s", a.Entity, a.Key), Actual: "no record"}
	}

	if a.Expect != nil {
		m, isMap := a.Expect.(map[string]any)
		if !isMap {
			return fmt.Errorf("expect must be a map, got %T", a.Expect)
		}
		want, err := payload.ObjectFromAny(m)
		if err != nil {
			return fmt.Errorf("expect: %w", err)
		}
		var mismatches []string
		for _, name := range want.SortedKeys() {
			got, _ := rec.Get(name)
			if !payload.Equal(got, want[name]) {
				mismatches = append(mismatches, fmt.Sprintf("%s=%s (want %s)", name, display(got), display(want[name])))
			}
		}
		if len(mismatches) > 0 {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s/%s attributes", a.Entity, a.Key),
				Actual:   strings.Join(mismatches, ", "),
			}
		}
	}

	if a.Snapshot != nil {
		got, _ := rec.String(actx.SnapshotAttribute)
		if got != *a.Snapshot {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("snapshot %q", *a.Snapshot), Actual: fmt.Sprintf("%q", got)}
		}
	}
	return nil
}

func assertLocalMissing(a Assertion, actx *AssertionContext) error {
	rec, ok, err := findRecord(actx, a.Entity, a.Key)
	if err != nil {
		return err
	}
	if ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("no record %s/%s", a.Entity, a.Key), Actual: "record " + rec.ID}
	}
	return nil
}

func assertLocalCount(a Assertion, actx *AssertionContext) error {
	n, err := actx.Local.Count(actx.Ctx, a.Entity)
	if err != nil {
		return err
	}
	if n != a.Count {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d %s records", a.Count, a.Entity), Actual: fmt.Sprint(n)}
	}
	return nil
}

// assertRemoteNode compares canonical encodings, so key order and spacing
// in the scenario do not matter.
func assertRemoteNode(a Assertion, actx *AssertionContext) error {
	ref, err := remote.ParseRef(a.Ref)
	if err != nil {
		return err
	}
	v, err := payload.FromAny(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	want, err := payload.Marshal(v)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}

	got, ok, err := actx.Remote.Read(actx.Ctx, ref, a.Key)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s = %s", ref.Child(a.Key), want), Actual: "no node"}
	}
	if string(got) != string(want) {
		return &AssertionError{Type: a.Type, Expected: string(want), Actual: string(got)}
	}
	return nil
}

func assertRemoteMissing(a Assertion, actx *AssertionContext) error {
	ref, err := remote.ParseRef(a.Ref)
	if err != nil {
		return err
	}
	got, ok, err := actx.Remote.Read(actx.Ctx, ref, a.Key)
	if err != nil {
		return err
	}
	if ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("no node at %s", ref.Child(a.Key)), Actual: string(got)}
	}
	return nil
}

func assertErrorCount(a Assertion, actx *AssertionContext) error {
	n := 0
	for _, err := range actx.Errors {
		if a.Kind == "" || err.Kind.String() == a.Kind {
			n++
		}
	}
	if n != a.Count {
		what := "errors"
		if a.Kind != "" {
			what = a.Kind + " errors"
		}
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d %s", a.Count, what), Actual: fmt.Sprint(n)}
	}
	return nil
}

func display(v payload.Value) string {
	if payload.IsNull(v) {
		return "<absent>"
	}
	data, err := payload.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
