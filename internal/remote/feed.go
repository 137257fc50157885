package remote

import (
	"context"
	"sync"

	"github.com/roach88/firesync/internal/queue"
)

// Feed is a Subscription backed by an unbounded queue.
// Push never blocks, so stores may publish while holding their own locks.
type Feed struct {
	q       *queue.Queue[Event]
	out     chan Event
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewFeed creates a running feed. onClose, if non-nil, runs once when the
// feed is unsubscribed.
func NewFeed(onClose func()) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		q:       queue.New[Event](),
		out:     make(chan Event),
		cancel:  cancel,
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.pump(ctx)
	return f
}

// Push queues an event for delivery. Returns false after Unsubscribe.
func (f *Feed) Push(ev Event) bool {
	return f.q.Enqueue(ev)
}

// Events implements Subscription.
func (f *Feed) Events() <-chan Event {
	return f.out
}

// Unsubscribe implements Subscription. Queued events not yet received are
// discarded. Blocks until the delivery goroutine has exited.
func (f *Feed) Unsubscribe() {
	f.once.Do(func() {
		f.q.Close()
		f.cancel()
		<-f.done
		if f.onClose != nil {
			f.onClose()
		}
	})
}

func (f *Feed) pump(ctx context.Context) {
	defer close(f.done)
	defer close(f.out)

	for {
		ev, ok := f.q.Dequeue(ctx)
		if !ok {
			return
		}
		select {
		case f.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
