package local

import "github.com/roach88/firesync/internal/payload"

// Record is a stored record: an entity name, a store-assigned id and its
// attributes. Attrs never contains null values.
type Record struct {
	Entity string
	ID     string
	Attrs  payload.Object
}

// Get returns the named attribute, or false when it is unset.
func (r Record) Get(name string) (payload.Value, bool) {
	v, ok := r.Attrs[name]
	if !ok || payload.IsNull(v) {
		return nil, false
	}
	return v, true
}

// String returns the named attribute if it is set to a string.
func (r Record) String(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(payload.String)
	return string(s), ok
}

// Clone returns a copy of r whose attribute map can be modified freely.
func (r Record) Clone() Record {
	r.Attrs = r.Attrs.Clone()
	return r
}

// CommitEvent describes the records changed by one Save.
// Deleted records carry their attributes as they were before deletion.
type CommitEvent struct {
	Inserted []Record
	Updated  []Record
	Deleted  []Record
}

// Empty reports whether the event changed nothing.
func (e CommitEvent) Empty() bool {
	return len(e.Inserted) == 0 && len(e.Updated) == 0 && len(e.Deleted) == 0
}

// applyPatch merges patch into base. Null values in patch delete attributes.
func applyPatch(base, patch payload.Object) payload.Object {
	out := base.Clone()
	for k, v := range patch {
		if payload.IsNull(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
