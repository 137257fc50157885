package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes sync errors.
type Kind int

const (
	// KindDecode indicates a remote key that no local key encodes to.
	KindDecode Kind = iota + 1

	// KindRemoteWrite indicates a failed remote write or remove, including
	// payload serialization failures.
	KindRemoteWrite

	// KindRemoteRead indicates an unreadable snapshot, event payload or
	// subscription.
	KindRemoteRead

	// KindCommit indicates the local side failed while applying a remote
	// change, most often the commit callback itself.
	KindCommit

	// KindConfig indicates invalid configuration or lifecycle misuse.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindRemoteWrite:
		return "remote write"
	case KindRemoteRead:
		return "remote read"
	case KindCommit:
		return "commit"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// SyncError carries enough context to correlate a failure with a record.
type SyncError struct {
	Kind Kind

	// Entity, Key and LocalID identify the affected record when known.
	// Key is the local form of the record's key.
	Entity  string
	Key     string
	LocalID string

	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Entity != "" {
		b.WriteString(" ")
		b.WriteString(e.Entity)
		if e.Key != "" {
			b.WriteString("/")
			b.WriteString(e.Key)
		}
	}
	if e.LocalID != "" {
		fmt.Fprintf(&b, " (id=%s)", e.LocalID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *SyncError of the given kind.
// Uses errors.As to handle wrapped errors.
func IsKind(err error, kind Kind) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func configError(format string, args ...any) *SyncError {
	return &SyncError{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}
