// Package remote defines the contract for hierarchically addressed,
// real-time-notifying remote stores.
//
// A node is addressed by a reference (a slash-separated path such as
// "/notes") and a child key. Values are JSON payloads. Subscribers to a
// reference receive one Added event per existing child, then Added, Changed
// and Removed events as children are written and removed.
package remote

import (
	"context"
	"fmt"
	"strings"
)

// reservedKeyChars may not appear in a child key or ref segment.
const reservedKeyChars = ".#$[]/"

// Ref is a normalized reference path: a leading slash, no trailing slash,
// no empty segments. The root is "/".
type Ref string

// RootRef is the root reference.
const RootRef Ref = "/"

// ParseRef validates and normalizes a reference path.
// "notes", "/notes" and "/notes/" all parse to "/notes".
func ParseRef(path string) (Ref, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		if path == "" {
			return "", fmt.Errorf("ref is empty")
		}
		return RootRef, nil
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if err := ValidKey(seg); err != nil {
			return "", fmt.Errorf("ref %q: %w", path, err)
		}
	}
	return Ref("/" + trimmed), nil
}

// MustParseRef is like ParseRef but panics on error.
func MustParseRef(path string) Ref {
	r, err := ParseRef(path)
	if err != nil {
		panic(err)
	}
	return r
}

// Child returns the reference of a child node.
func (r Ref) Child(key string) Ref {
	if r == RootRef || r == "" {
		return Ref("/" + key)
	}
	return Ref(string(r) + "/" + key)
}

// Segments returns the path segments. The root has none.
func (r Ref) Segments() []string {
	trimmed := strings.Trim(string(r), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (r Ref) String() string {
	return string(r)
}

// ValidKey reports whether key can be used as a child key.
func ValidKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	if i := strings.IndexAny(key, reservedKeyChars); i >= 0 {
		return fmt.Errorf("key %q contains reserved character %q", key, key[i])
	}
	return nil
}

// EventKind distinguishes child events.
type EventKind int

const (
	// Added reports a child that appeared (or existed when subscribing).
	Added EventKind = iota + 1
	// Changed reports a new value for an existing child.
	Changed
	// Removed reports a deleted child. Payload holds the last value.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "added":
		return Added, nil
	case "changed":
		return Changed, nil
	case "removed":
		return Removed, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// Event is one child event at a subscribed reference.
type Event struct {
	Kind    EventKind
	Key     string
	Payload []byte
}

// Subscription delivers child events for one reference.
type Subscription interface {
	// Events yields events in the order the store produced them.
	// The channel is closed after Unsubscribe or when the store goes away.
	Events() <-chan Event
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Store is a remote store.
//
// Write and Remove complete when the store has accepted the change.
// Payloads passed to Write must be JSON; stores may re-encode them.
type Store interface {
	Write(ctx context.Context, ref Ref, key string, payload []byte) error
	Remove(ctx context.Context, ref Ref, key string) error
	// Read returns one child's payload; false when absent.
	Read(ctx context.Context, ref Ref, key string) ([]byte, bool, error)
	// ReadSnapshot returns every child of ref keyed by child key.
	ReadSnapshot(ctx context.Context, ref Ref) (map[string][]byte, error)
	Subscribe(ctx context.Context, ref Ref) (Subscription, error)
}
