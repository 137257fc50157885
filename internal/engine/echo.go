package engine

import (
	"bytes"
	"sync"
)

type recordRef struct {
	entity string
	name   string // local id for deletes, local key for writes
}

// echoes tracks changes the engine itself originated, so their echoes can be
// recognized. It has its own lock because onCommit runs while the apply loop
// holds writeMu.
type echoes struct {
	mu      sync.Mutex
	deletes map[recordRef]struct{} // deleted by the apply loop, commit event not yet seen
	writes  map[recordRef][]byte   // payloads being written by the outbox
}

// markDelete records a local delete staged for a remote Removed event.
func (x *echoes) markDelete(entity, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.deletes == nil {
		x.deletes = make(map[recordRef]struct{})
	}
	x.deletes[recordRef{entity, id}] = struct{}{}
}

// takeDelete reports whether the delete of entity/id came from the apply
// loop, and forgets it.
func (x *echoes) takeDelete(entity, id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	ref := recordRef{entity, id}
	if _, ok := x.deletes[ref]; !ok {
		return false
	}
	delete(x.deletes, ref)
	return true
}

// clearDeletes drops marks whose commit failed or was never observed.
func (x *echoes) clearDeletes() {
	x.mu.Lock()
	defer x.mu.Unlock()
	clear(x.deletes)
}

func (x *echoes) beginWrite(entity, key string, data []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.writes == nil {
		x.writes = make(map[recordRef][]byte)
	}
	x.writes[recordRef{entity, key}] = data
}

func (x *echoes) endWrite(entity, key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.writes, recordRef{entity, key})
}

// writing reports whether data is the payload currently being written for
// entity/key.
func (x *echoes) writing(entity, key string, data []byte) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur, ok := x.writes[recordRef{entity, key}]
	return ok && bytes.Equal(cur, data)
}
