// Package memtree is an in-memory remote.Store.
//
// Children are held per reference; refs are not nested into payloads, so
// "/notes" and "/notes/abc" are unrelated parents. Every operation is
// recorded in an operation log that tests and the scenario harness inspect.
package memtree

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/remote"
)

// OpKind names a mutating operation.
type OpKind string

const (
	OpWrite  OpKind = "write"
	OpRemove OpKind = "remove"
)

// Op is one accepted Write or Remove, in acceptance order.
type Op struct {
	Kind    OpKind
	Ref     remote.Ref
	Key     string
	Payload []byte
}

// FaultFunc decides whether an operation fails. A non-nil error is returned
// to the caller and the operation is not applied.
type FaultFunc func(kind OpKind, ref remote.Ref, key string) error

// Tree is an in-memory remote store. Safe for concurrent use.
type Tree struct {
	mu       sync.Mutex
	children map[remote.Ref]map[string][]byte
	subs     map[remote.Ref]map[int]*remote.Feed
	nextSub  int
	ops      []Op
	fault    FaultFunc
}

var _ remote.Store = (*Tree)(nil)

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		children: make(map[remote.Ref]map[string][]byte),
		subs:     make(map[remote.Ref]map[int]*remote.Feed),
	}
}

// SetFault installs fn to fail selected writes and removes. nil clears it.
func (t *Tree) SetFault(fn FaultFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fault = fn
}

// Ops returns a copy of the operation log.
func (t *Tree) Ops() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.ops)
}

// ResetOps clears the operation log.
func (t *Tree) ResetOps() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = nil
}

// Write implements remote.Store.
func (t *Tree) Write(ctx context.Context, ref remote.Ref, key string, data []byte) error {
	if err := remote.ValidKey(key); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	canonical, err := payload.Canonicalize(data)
	if err != nil {
		return fmt.Errorf("write %s: %w", ref.Child(key), err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fault != nil {
		if err := t.fault(OpWrite, ref, key); err != nil {
			return err
		}
	}
	t.ops = append(t.ops, Op{Kind: OpWrite, Ref: ref, Key: key, Payload: canonical})

	nodes := t.children[ref]
	if nodes == nil {
		nodes = make(map[string][]byte)
		t.children[ref] = nodes
	}
	prev, existed := nodes[key]
	if existed && bytes.Equal(prev, canonical) {
		return nil
	}
	nodes[key] = canonical

	kind := remote.Added
	if existed {
		kind = remote.Changed
	}
	t.publishLocked(ref, remote.Event{Kind: kind, Key: key, Payload: canonical})
	return nil
}

// Remove implements remote.Store.
func (t *Tree) Remove(ctx context.Context, ref remote.Ref, key string) error {
	if err := remote.ValidKey(key); err != nil {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fault != nil {
		if err := t.fault(OpRemove, ref, key); err != nil {
			return err
		}
	}
	t.ops = append(t.ops, Op{Kind: OpRemove, Ref: ref, Key: key})

	prev, ok := t.children[ref][key]
	if !ok {
		return nil
	}
	delete(t.children[ref], key)
	t.publishLocked(ref, remote.Event{Kind: remote.Removed, Key: key, Payload: prev})
	return nil
}

// Read implements remote.Store.
func (t *Tree) Read(ctx context.Context, ref remote.Ref, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	data, ok := t.children[ref][key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(data), true, nil
}

// ReadSnapshot implements remote.Store.
func (t *Tree) ReadSnapshot(ctx context.Context, ref remote.Ref) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]byte, len(t.children[ref]))
	for k, v := range t.children[ref] {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

// Subscribe implements remote.Store. Existing children are delivered first
// as Added events in key order.
func (t *Tree) Subscribe(ctx context.Context, ref remote.Ref) (remote.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	feed := remote.NewFeed(func() {
		t.mu.Lock()
		delete(t.subs[ref], id)
		t.mu.Unlock()
	})

	nodes := t.children[ref]
	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		feed.Push(remote.Event{Kind: remote.Added, Key: k, Payload: nodes[k]})
	}

	if t.subs[ref] == nil {
		t.subs[ref] = make(map[int]*remote.Feed)
	}
	t.subs[ref][id] = feed
	return feed, nil
}

// Subscribers returns the number of live subscriptions at ref.
func (t *Tree) Subscribers(ref remote.Ref) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[ref])
}

func (t *Tree) publishLocked(ref remote.Ref, ev remote.Event) {
	for _, feed := range t.subs[ref] {
		feed.Push(ev)
	}
}
