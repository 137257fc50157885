package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/firesync/internal/queue"
	"github.com/roach88/firesync/internal/remote"
)

// EntityLink associates a local entity with a remote reference and,
// optionally, an index reference listing the keys under Ref.
type EntityLink struct {
	Entity string
	Ref    remote.Ref
	Index  remote.Ref // empty when the entity has no index
}

// HasIndex reports whether the link has an index reference.
func (l EntityLink) HasIndex() bool {
	return l.Index != ""
}

func (l EntityLink) validate() error {
	if l.Entity == "" {
		return fmt.Errorf("entity name is empty")
	}
	ref, err := remote.ParseRef(string(l.Ref))
	if err != nil || ref != l.Ref {
		return fmt.Errorf("invalid ref %q", l.Ref)
	}
	if l.HasIndex() {
		index, err := remote.ParseRef(string(l.Index))
		if err != nil || index != l.Index {
			return fmt.Errorf("invalid index ref %q", l.Index)
		}
		if l.Index == l.Ref {
			return fmt.Errorf("index ref equals ref %q", l.Ref)
		}
	}
	return nil
}

// Link registers or replaces the link for link.Entity. When the engine is
// observing, the entity's subscriptions are moved to the new references
// before Link returns. A failed Link leaves the previous state untouched.
func (e *Engine) Link(ctx context.Context, link EntityLink) error {
	if err := link.validate(); err != nil {
		return &SyncError{Kind: KindConfig, Entity: link.Entity, Err: fmt.Errorf("link: %w", err)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.links[link.Entity]; ok && prev == link {
		return nil
	}

	e.nextGen++
	gen := e.nextGen

	var subs []remote.Subscription
	if e.observing {
		var err error
		subs, err = e.subscribeLinkLocked(ctx, link, gen)
		if err != nil {
			return err
		}
	}

	for _, sub := range e.subs[link.Entity] {
		sub.Unsubscribe()
	}
	delete(e.subs, link.Entity)
	if subs != nil {
		e.subs[link.Entity] = subs
	}

	e.links[link.Entity] = link
	e.gens[link.Entity] = gen

	e.logger.Info("entity linked", "entity", link.Entity, "ref", string(link.Ref), "index", string(link.Index))
	return nil
}

// Unlink removes the link for entity after detaching its subscriptions.
// Remote writes already queued for the entity are dropped.
func (e *Engine) Unlink(entity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unlinkLocked(entity)
}

// UnlinkAll removes every link.
func (e *Engine) UnlinkAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for entity := range e.links {
		e.unlinkLocked(entity)
	}
}

func (e *Engine) unlinkLocked(entity string) {
	if _, ok := e.links[entity]; !ok {
		return
	}
	for _, sub := range e.subs[entity] {
		sub.Unsubscribe()
	}
	delete(e.subs, entity)
	delete(e.links, entity)
	delete(e.gens, entity)
	e.logger.Info("entity unlinked", "entity", entity)
}

// Lookup returns the link for entity.
func (e *Engine) Lookup(entity string) (EntityLink, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	link, ok := e.links[entity]
	return link, ok
}

// Links returns every link, sorted by entity name.
func (e *Engine) Links() []EntityLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLinksLocked()
}

func (e *Engine) sortedLinksLocked() []EntityLink {
	out := make([]EntityLink, 0, len(e.links))
	for _, link := range e.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// currentLink returns the link for entity if it still has generation gen.
func (e *Engine) currentLink(entity string, gen uint64) (EntityLink, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	link, ok := e.links[entity]
	if !ok || e.gens[entity] != gen {
		return EntityLink{}, false
	}
	return link, true
}

// linkSnapshot returns a copy of the link table with generations.
func (e *Engine) linkSnapshot() (map[string]EntityLink, map[string]uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	links := make(map[string]EntityLink, len(e.links))
	gens := make(map[string]uint64, len(e.gens))
	for k, v := range e.links {
		links[k] = v
		gens[k] = e.gens[k]
	}
	return links, gens
}

// subscribeLinkLocked subscribes to link's ref and index. On failure every
// subscription it made is cancelled.
func (e *Engine) subscribeLinkLocked(ctx context.Context, link EntityLink, gen uint64) ([]remote.Subscription, error) {
	refs := []remote.Ref{link.Ref}
	if link.HasIndex() {
		refs = append(refs, link.Index)
	}

	subs := make([]remote.Subscription, 0, len(refs))
	for i, ref := range refs {
		sub, err := e.remote.Subscribe(ctx, ref)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, &SyncError{
				Kind:   KindRemoteRead,
				Entity: link.Entity,
				Err:    fmt.Errorf("subscribe %s: %w", ref, err),
			}
		}
		subs = append(subs, sub)

		e.wg.Add(1)
		go e.pump(e.applyQ, sub, link.Entity, gen, i == 1)
	}
	return subs, nil
}

func (e *Engine) unsubscribeAllLocked() {
	for entity, subs := range e.subs {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		delete(e.subs, entity)
	}
}

// pump moves one subscription's events onto the apply queue. It exits when
// the subscription is cancelled.
func (e *Engine) pump(q *queue.Queue[inbound], sub remote.Subscription, entity string, gen uint64, index bool) {
	defer e.wg.Done()
	for ev := range sub.Events() {
		e.inflight.Add(1)
		if !q.Enqueue(inbound{entity: entity, gen: gen, index: index, ev: ev}) {
			e.inflight.Add(-1)
		}
	}
}
