// Package fstree is a directory-backed remote.Store.
//
// The node at ref/key is the file <root>/<ref>/<key>.json. Writes are atomic
// (temp file plus rename). Child events come from fsnotify, so changes made
// by other processes sharing the directory are observed too.
package fstree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/firesync/internal/payload"
	"github.com/roach88/firesync/internal/remote"
)

const nodeSuffix = ".json"

// Tree stores nodes as JSON files under a root directory.
type Tree struct {
	root   string
	logger *slog.Logger

	// mu serializes writers within this process.
	mu sync.Mutex
}

var _ remote.Store = (*Tree)(nil)

// Open creates the root directory if needed and returns a tree over it.
func Open(root string, logger *slog.Logger) (*Tree, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return &Tree{root: root, logger: logger}, nil
}

// Root returns the root directory.
func (t *Tree) Root() string {
	return t.root
}

func (t *Tree) dir(ref remote.Ref) string {
	return filepath.Join(append([]string{t.root}, ref.Segments()...)...)
}

func (t *Tree) path(ref remote.Ref, key string) string {
	return filepath.Join(t.dir(ref), key+nodeSuffix)
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

	dir := t.dir(ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", ref.Child(key), err)
	}

	target := t.path(ref, key)
	if prev, err := os.ReadFile(target); err == nil && bytes.Equal(prev, canonical) {
		return nil
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", ref.Child(key), err)
	}
	if _, err := tmp.Write(canonical); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", ref.Child(key), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", ref.Child(key), err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", ref.Child(key), err)
	}
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

	err := os.Remove(t.path(ref, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", ref.Child(key), err)
	}
	return nil
}

// Read implements remote.Store.
func (t *Tree) Read(ctx context.Context, ref remote.Ref, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(t.path(ref, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", ref.Child(key), err)
	}
	return data, true, nil
}

// ReadSnapshot implements remote.Store.
func (t *Tree) ReadSnapshot(ctx context.Context, ref remote.Ref) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.scan(ref)
}

func (t *Tree) scan(ref remote.Ref) (map[string][]byte, error) {
	entries, err := os.ReadDir(t.dir(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", ref, err)
	}

	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		key, ok := nodeKey(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir(ref), e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", ref, err)
		}
		out[key] = data
	}
	return out, nil
}

// nodeKey returns the child key for a node file name.
func nodeKey(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, nodeSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(name, nodeSuffix)
	if remote.ValidKey(key) != nil {
		return "", false
	}
	return key, true
}

// Subscribe implements remote.Store. It watches the ref's directory with
// fsnotify and diffs the directory against the last state it delivered.
func (t *Tree) Subscribe(ctx context.Context, ref remote.Ref) (remote.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := t.dir(ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ref, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &watch{
		tree:    t,
		ref:     ref,
		watcher: watcher,
		known:   make(map[string][]byte),
		done:    make(chan struct{}),
	}
	w.feed = remote.NewFeed(w.stop)

	// Watch first, then scan, so nothing written in between is missed.
	initial, err := t.scan(ref)
	if err != nil {
		w.feed.Unsubscribe()
		return nil, err
	}
	keys := make([]string, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		w.known[k] = initial[k]
		w.feed.Push(remote.Event{Kind: remote.Added, Key: k, Payload: initial[k]})
	}

	w.wg.Add(1)
	go w.processEvents()
	return w.feed, nil
}

// watch converts fsnotify events for one directory into child events.
type watch struct {
	tree    *Tree
	ref     remote.Ref
	watcher *fsnotify.Watcher
	feed    *remote.Feed
	known   map[string][]byte // owned by processEvents after Subscribe returns
	done    chan struct{}
	wg      sync.WaitGroup
}

func (w *watch) stop() {
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *watch) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			key, ok := nodeKey(filepath.Base(event.Name))
			if !ok {
				continue
			}
			// Chmod carries no content change.
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.sync(key)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.tree.logger.Warn("fstree watch error", "ref", string(w.ref), "error", err)
		}
	}
}

// sync compares the file for key against the last delivered state and emits
// at most one event. Duplicate fsnotify notifications collapse here.
func (w *watch) sync(key string) {
	data, err := os.ReadFile(w.tree.path(w.ref, key))
	prev, known := w.known[key]

	switch {
	case errors.Is(err, fs.ErrNotExist):
		if known {
			delete(w.known, key)
			w.feed.Push(remote.Event{Kind: remote.Removed, Key: key, Payload: prev})
		}
	case err != nil:
		w.tree.logger.Warn("fstree read failed", "ref", string(w.ref), "key", key, "error", err)
	case !json.Valid(data):
		// Partially written by another process; the next event completes it.
	case known && bytes.Equal(prev, data):
	case known:
		w.known[key] = data
		w.feed.Push(remote.Event{Kind: remote.Changed, Key: key, Payload: data})
	default:
		w.known[key] = data
		w.feed.Push(remote.Event{Kind: remote.Added, Key: key, Payload: data})
	}
}
