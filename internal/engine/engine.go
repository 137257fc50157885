package engine

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/roach88/firesync/internal/keycodec"
	"github.com/roach88/firesync/internal/queue"
	"github.com/roach88/firesync/internal/remote"
)

// Default reserved attribute names.
const (
	DefaultKeyAttribute      = "syncKey"
	DefaultSnapshotAttribute = "syncSnapshot"
)

var attrNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type attrNames struct {
	key      string
	snapshot string
}

// Engine synchronizes linked local entities with a remote store.
//
// Thread-safety model:
//   - Link, Unlink, Start, Stop, Flush: safe from any goroutine
//   - remote events are applied by one goroutine, in arrival order
//   - remote writes are performed by one goroutine, in commit order
type Engine struct {
	local   AttributeStore
	remote  remote.Store
	logger  *slog.Logger
	keyGen  keycodec.Generator
	onError func(*SyncError)

	names    atomic.Pointer[attrNames]
	stats    stats
	inflight atomic.Int64 // remote events enqueued and not yet applied

	mu           sync.Mutex
	links        map[string]EntityLink
	gens         map[string]uint64 // bumped on every link change
	nextGen      uint64
	subs         map[string][]remote.Subscription
	observing    bool
	source       CommitSource
	cancelSource func()
	applyQ       *queue.Queue[inbound]
	outbox       *outbox
	cancelRun    context.CancelFunc
	wg           sync.WaitGroup

	// writeMu serializes WriteContext use. active is only flipped to false
	// while writeMu is held, so an applier holding writeMu that sees active
	// may safely commit.
	writeMu  sync.Mutex
	wc       WriteContext
	commit   CommitFunc
	hasWC    atomic.Bool
	active   atomic.Bool

	echoes echoes
}

// Option configures an Engine.
type Option func(*Engine) error

// WithKeyAttribute sets the attribute holding a record's remote key.
func WithKeyAttribute(name string) Option {
	return func(e *Engine) error {
		n := *e.names.Load()
		n.key = name
		return e.setNames(n)
	}
}

// WithSnapshotAttribute sets the attribute holding a record's last
// exchanged payload.
func WithSnapshotAttribute(name string) Option {
	return func(e *Engine) error {
		n := *e.names.Load()
		n.snapshot = name
		return e.setNames(n)
	}
}

// WithKeyGenerator sets the generator for new keys.
// Default: keycodec.UUIDv7Generator.
func WithKeyGenerator(g keycodec.Generator) Option {
	return func(e *Engine) error {
		e.keyGen = g
		return nil
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithErrorHandler receives every asynchronous failure after it is logged.
// The handler runs on engine goroutines and must not block.
func WithErrorHandler(fn func(*SyncError)) Option {
	return func(e *Engine) error {
		e.onError = fn
		return nil
	}
}

// New creates an engine over a local attribute store and a remote store.
func New(localStore AttributeStore, remoteStore remote.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		local:  localStore,
		remote: remoteStore,
		logger: slog.Default(),
		keyGen: keycodec.UUIDv7Generator{},
		links:  make(map[string]EntityLink),
		gens:   make(map[string]uint64),
		subs:   make(map[string][]remote.Subscription),
	}
	e.names.Store(&attrNames{key: DefaultKeyAttribute, snapshot: DefaultSnapshotAttribute})

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// KeyAttribute returns the name of the key attribute.
func (e *Engine) KeyAttribute() string {
	return e.names.Load().key
}

// SnapshotAttribute returns the name of the snapshot attribute.
func (e *Engine) SnapshotAttribute() string {
	return e.names.Load().snapshot
}

// SetKeyAttribute renames the key attribute.
// Rejected once any entity is linked or observation has started.
func (e *Engine) SetKeyAttribute(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkRenameLocked(); err != nil {
		return err
	}
	n := *e.names.Load()
	n.key = name
	return e.setNames(n)
}

// SetSnapshotAttribute renames the snapshot attribute.
// Rejected once any entity is linked or observation has started.
func (e *Engine) SetSnapshotAttribute(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkRenameLocked(); err != nil {
		return err
	}
	n := *e.names.Load()
	n.snapshot = name
	return e.setNames(n)
}

func (e *Engine) checkRenameLocked() error {
	if e.observing {
		return configError("reserved attributes cannot change while observing")
	}
	if len(e.links) > 0 {
		return configError("reserved attributes cannot change once entities are linked")
	}
	return nil
}

func (e *Engine) setNames(n attrNames) error {
	for _, name := range []string{n.key, n.snapshot} {
		if !attrNamePattern.MatchString(name) {
			return configError("invalid attribute name %q", name)
		}
	}
	if n.key == n.snapshot {
		return configError("key and snapshot attributes must differ, both are %q", n.key)
	}
	e.names.Store(&n)
	return nil
}

// SetWriteContext supplies the context remote changes are applied to and
// the callback that commits it. Required before Start and AssignMissingKeys.
func (e *Engine) SetWriteContext(wc WriteContext, commit CommitFunc) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.wc = wc
	e.commit = commit
	e.hasWC.Store(wc != nil && commit != nil)
}

// ObserveLocal registers the source of local commit events. Events are
// handled only while the engine is started.
func (e *Engine) ObserveLocal(src CommitSource) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelSource != nil {
		e.cancelSource()
		e.cancelSource = nil
	}
	e.source = src
	if e.observing && src != nil {
		e.cancelSource = src.Subscribe(e.onCommit)
	}
}

// Start subscribes to every linked reference and begins propagating local
// commits. Starting a started engine does nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.observing {
		return nil
	}
	if !e.hasWC.Load() {
		return configError("start: no write context configured")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.inflight.Store(0)
	e.applyQ = queue.New[inbound]()
	e.outbox = newOutbox()
	e.cancelRun = cancel

	for _, link := range e.sortedLinksLocked() {
		subs, err := e.subscribeLinkLocked(ctx, link, e.gens[link.Entity])
		if err != nil {
			e.unsubscribeAllLocked()
			e.applyQ.Close()
			e.outbox.close()
			cancel()
			e.wg.Wait()
			return err
		}
		e.subs[link.Entity] = subs
	}

	e.wg.Add(2)
	go e.applyLoop(runCtx, e.applyQ)
	go e.outboxLoop(runCtx, e.outbox)

	e.active.Store(true)
	e.observing = true
	if e.source != nil {
		e.cancelSource = e.source.Subscribe(e.onCommit)
	}

	e.logger.Info("sync engine started", "links", len(e.links))
	return nil
}

// Stop cancels every subscription. When Stop returns, no commit callback
// is running and none will run until the next Start. Remote writes still
// queued are dropped; call Flush first to wait for them. Idempotent.
//
// Stop must not be called from a commit callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.observing {
		e.mu.Unlock()
		return
	}
	e.observing = false
	if e.cancelSource != nil {
		e.cancelSource()
		e.cancelSource = nil
	}
	e.unsubscribeAllLocked()
	applyQ, ob, cancel := e.applyQ, e.outbox, e.cancelRun
	e.mu.Unlock()

	// Cancel in-flight remote calls, then wait for an in-progress apply to
	// finish its commit.
	cancel()
	e.writeMu.Lock()
	e.active.Store(false)
	e.writeMu.Unlock()

	applyQ.Close()
	ob.close()
	e.wg.Wait()

	if dropped := ob.pending(); dropped > 0 {
		e.logger.Warn("sync engine stopped with queued remote writes", "dropped", dropped)
	}
	e.logger.Info("sync engine stopped")
}

// Observing reports whether the engine is started.
func (e *Engine) Observing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observing
}

// Flush waits until every remote write queued before the call has been
// attempted. Returns immediately when the engine is not started.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	ob := e.outbox
	observing := e.observing
	e.mu.Unlock()

	if !observing || ob == nil {
		return nil
	}
	return ob.wait(ctx)
}

// Idle reports whether no received remote event awaits application and no
// remote write awaits the outbox. Events still in transit inside a remote
// store are not counted.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	ob := e.outbox
	e.mu.Unlock()
	if e.inflight.Load() > 0 {
		return false
	}
	return ob == nil || ob.idle()
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// report logs a failure and hands it to the error handler.
func (e *Engine) report(err *SyncError) {
	e.stats.errors.Add(1)
	e.logger.Error("sync error",
		"kind", err.Kind.String(),
		"entity", err.Entity,
		"key", err.Key,
		"id", err.LocalID,
		"error", err.Err,
	)
	if e.onError != nil {
		e.onError(err)
	}
}

// Stats counts engine activity since construction.
type Stats struct {
	RemoteWrites     int64 `json:"remote_writes"`
	RemoteRemoves    int64 `json:"remote_removes"`
	EchoesSuppressed int64 `json:"echoes_suppressed"`
	EventsApplied    int64 `json:"events_applied"`
	Commits          int64 `json:"commits"`
	Errors           int64 `json:"errors"`
}

type stats struct {
	remoteWrites     atomic.Int64
	remoteRemoves    atomic.Int64
	echoesSuppressed atomic.Int64
	eventsApplied    atomic.Int64
	commits          atomic.Int64
	errors           atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		RemoteWrites:     s.remoteWrites.Load(),
		RemoteRemoves:    s.remoteRemoves.Load(),
		EchoesSuppressed: s.echoesSuppressed.Load(),
		EventsApplied:    s.eventsApplied.Load(),
		Commits:          s.commits.Load(),
		Errors:           s.errors.Load(),
	}
}
