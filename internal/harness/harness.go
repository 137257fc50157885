package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/firesync/internal/engine"
	"github.com/roach88/firesync/internal/keycodec"
	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/remote"
	"github.com/roach88/firesync/internal/remote/memtree"
)

// Settling: the engine must report idle for settleRounds consecutive polls.
const (
	settleTick    = 2 * time.Millisecond
	settleRounds  = 5
	settleTimeout = 5 * time.Second
)

// Harness is the scenario execution environment.
type Harness struct {
	local  *local.Store
	remote *memtree.Tree
	engine *engine.Engine
	logger *slog.Logger

	commits atomic.Int64

	mu      sync.Mutex
	stepErr []string // kinds reported since the last collect
	allErrs []*engine.SyncError
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database and remote tree.
//
// Execution flow:
//  1. Link entities and run setup steps with the engine stopped
//  2. Start the engine and let it settle (trace step 0)
//  3. Run each flow step, settle, and record it
//  4. Stop the engine and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := local.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		local:  st,
		remote: memtree.New(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	opts := []engine.Option{
		engine.WithLogger(h.logger),
		engine.WithErrorHandler(h.recordError),
		engine.WithKeyGenerator(keyGenerator(scenario.Keys)),
	}
	if scenario.KeyAttribute != "" {
		opts = append(opts, engine.WithKeyAttribute(scenario.KeyAttribute))
	}
	if scenario.SnapshotAttribute != "" {
		opts = append(opts, engine.WithSnapshotAttribute(scenario.SnapshotAttribute))
	}
	h.engine, err = engine.New(st, h.remote, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	h.engine.SetWriteContext(st.NewContext(), h.commit)
	h.engine.ObserveLocal(st)

	ctx := context.Background()

	for i, l := range scenario.Links {
		if err := h.link(ctx, l.Entity, l.Ref, l.Index); err != nil {
			return nil, fmt.Errorf("links[%d]: %w", i, err)
		}
	}
	for i, step := range scenario.Setup {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
	}
	h.collect(0, "") // setup is not traced

	result := NewResult()

	if err := h.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer h.engine.Stop()

	if err := h.settle(ctx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	result.Trace = append(result.Trace, h.collect(0, "start"))

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i+1, step.Op, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i+1, step.Op, err)
		}
		result.Trace = append(result.Trace, h.collect(i+1, step.Op))
	}

	h.engine.Stop()

	actx := &AssertionContext{
		Ctx:               ctx,
		Local:             st,
		Remote:            h.remote,
		KeyAttribute:      h.engine.KeyAttribute(),
		SnapshotAttribute: h.engine.SnapshotAttribute(),
		Errors:            h.errors(),
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) commit(ctx context.Context, wc engine.WriteContext) error {
	h.commits.Add(1)
	return wc.(*local.Context).Save(ctx)
}

func (h *Harness) recordError(err *engine.SyncError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stepErr = append(h.stepErr, err.Kind.String())
	h.allErrs = append(h.allErrs, err)
}

func (h *Harness) errors() []*engine.SyncError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*engine.SyncError(nil), h.allErrs...)
}

// collect returns the trace entry for the step just run and resets the
// per-step counters.
func (h *Harness) collect(step int, action string) TraceEvent {
	ev := TraceEvent{
		Step:    step,
		Action:  action,
		Remote:  []RemoteOp{},
		Commits: int(h.commits.Swap(0)),
	}
	for _, op := range h.remote.Ops() {
		ev.Remote = append(ev.Remote, RemoteOp{
			Op:      string(op.Kind),
			Ref:     op.Ref.String(),
			Key:     op.Key,
			Payload: op.Payload,
		})
	}
	h.remote.ResetOps()

	h.mu.Lock()
	ev.Errors = h.stepErr
	h.stepErr = nil
	h.mu.Unlock()
	return ev
}

// settle waits until the engine has applied every delivered event and
// performed every queued remote write.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.Now().Add(settleTimeout)
	quiet := 0
	for quiet < settleRounds {
		if time.Now().After(deadline) {
			return fmt.Errorf("engine did not settle within %s", settleTimeout)
		}
		if err := h.engine.Flush(ctx); err != nil {
			return err
		}
		if h.engine.Idle() {
			quiet++
		} else {
			quiet = 0
		}
		time.Sleep(settleTick)
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Op {
	case OpLocalInsert:
		attrs, err := payload.ObjectFromAny(step.Attrs)
		if err != nil {
			return fmt.Errorf("attrs: %w", err)
		}
		c := h.local.NewContext()
		c.Insert(step.Entity, attrs)
		return c.Save(ctx)

	case OpLocalUpdate:
		patch, err := payload.ObjectFromAny(step.Attrs)
		if err != nil {
			return fmt.Errorf("attrs: %w", err)
		}
		id, err := h.recordID(ctx, step.Entity, step.Key)
		if err != nil {
			return err
		}
		c := h.local.NewContext()
		if err := c.Update(step.Entity, id, patch); err != nil {
			return err
		}
		return c.Save(ctx)

	case OpLocalDelete:
		id, err := h.recordID(ctx, step.Entity, step.Key)
		if err != nil {
			return err
		}
		c := h.local.NewContext()
		if err := c.Delete(step.Entity, id); err != nil {
			return err
		}
		return c.Save(ctx)

	case OpRemoteWrite:
		ref, err := remote.ParseRef(step.Ref)
		if err != nil {
			return err
		}
		v, err := payload.FromAny(step.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		data, err := payload.Marshal(v)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		return h.remote.Write(ctx, ref, step.Key, data)

	case OpRemoteRemove:
		ref, err := remote.ParseRef(step.Ref)
		if err != nil {
			return err
		}
		return h.remote.Remove(ctx, ref, step.Key)

	case OpAssignKeys:
		_, err := h.engine.AssignMissingKeys(ctx)
		return err

	case OpBackfill:
		_, err := h.engine.Backfill(ctx, step.Entity)
		// Upload failures are already reported and traced.
		if err != nil && !engine.IsKind(err, engine.KindRemoteWrite) {
			return err
		}
		return nil

	case OpLink:
		return h.link(ctx, step.Entity, step.Ref, step.Index)

	case OpUnlink:
		h.engine.Unlink(step.Entity)
		return nil

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

func (h *Harness) link(ctx context.Context, entity, ref, index string) error {
	l := engine.EntityLink{Entity: entity}
	var err error
	if l.Ref, err = remote.ParseRef(ref); err != nil {
		return err
	}
	if index != "" {
		if l.Index, err = remote.ParseRef(index); err != nil {
			return err
		}
	}
	return h.engine.Link(ctx, l)
}

// recordID returns the id of the record of entity with the given key.
func (h *Harness) recordID(ctx context.Context, entity, key string) (string, error) {
	recs, err := h.local.FindBy(ctx, entity, h.engine.KeyAttribute(), key)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("%s/%s: %w", entity, key, local.ErrNotFound)
	}
	return recs[0].ID, nil
}

// keyGenerator returns a FixedGenerator over keys, or sequential keys
// "key-1", "key-2", ... when none are given.
func keyGenerator(keys []string) keycodec.Generator {
	if len(keys) > 0 {
		return keycodec.NewFixedGenerator(keys...)
	}
	return &sequentialKeys{}
}

type sequentialKeys struct {
	n atomic.Int64
}

func (g *sequentialKeys) Generate() string {
	return "key-" + strconv.FormatInt(g.n.Add(1), 10)
}
