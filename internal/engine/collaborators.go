package engine

import (
	"context"

	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/payload"
)

// AttributeStore is the engine's read and bookkeeping access to the local
// store. Implemented by *local.Store.
type AttributeStore interface {
	ReadAttribute(ctx context.Context, entity, id, name string) (payload.Value, bool, error)
	// WriteAttribute must not produce a commit event.
	WriteAttribute(ctx context.Context, entity, id, name string, v payload.Value) error
	Enumerate(ctx context.Context, entity string, fn func(local.Record) error) error
}

// CommitSource pushes local commit events. Implemented by *local.Store.
type CommitSource interface {
	Subscribe(fn func(local.CommitEvent)) (cancel func())
}

// WriteContext is the staged write surface remote changes are applied to.
// Implemented by *local.Context.
type WriteContext interface {
	Find(ctx context.Context, entity, attr, value string) (local.Record, bool, error)
	Insert(entity string, attrs payload.Object) string
	Update(entity, id string, attrs payload.Object) error
	Delete(entity, id string) error
	// Rollback discards every staged change.
	Rollback()
}

// CommitFunc commits the changes staged in wc. The engine calls it after
// applying each remote event and after assigning keys. When it returns an
// error the engine rolls wc back, so the failed changes are dropped.
type CommitFunc func(ctx context.Context, wc WriteContext) error

var (
	_ AttributeStore = (*local.Store)(nil)
	_ CommitSource   = (*local.Store)(nil)
	_ WriteContext   = (*local.Context)(nil)
)
