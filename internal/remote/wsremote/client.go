package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/roach88/firesync/internal/remote"
)

// ErrClosed is returned by calls on a closed or disconnected client.
var ErrClosed = errors.New("wsremote: connection closed")

// pendingCall is a request waiting for its response. For subscribe calls,
// feed is registered by the read loop as soon as the response arrives, so
// no event pushed right after the response can be missed.
type pendingCall struct {
	ch   chan *frame
	feed *remote.Feed
}

// Client is a remote.Store backed by a wsremote server.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	feeds   map[uint64]*remote.Feed
	closed  bool

	done chan struct{}
}

var _ remote.Store = (*Client)(nil)

// Dial connects to a server. url is the WebSocket endpoint, for example
// "ws://localhost:8750/ws".
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(4 << 20)

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
		feeds:   make(map[uint64]*remote.Feed),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects and closes open subscriptions.
func (c *Client) Close() error {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return nil
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed frame from server", "error", err)
			continue
		}

		if f.isEvent() {
			c.dispatchEvent(&f)
			continue
		}

		c.mu.Lock()
		pc, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		if ok && pc.feed != nil && f.OK {
			c.feeds[f.Sub] = pc.feed
		}
		c.mu.Unlock()
		if ok {
			pc.ch <- &f
		}
	}
}

func (c *Client) dispatchEvent(f *frame) {
	kind, err := remote.ParseEventKind(f.Kind)
	if err != nil {
		c.logger.Warn("unknown event from server", "kind", f.Kind)
		return
	}

	c.mu.Lock()
	feed, ok := c.feeds[f.Sub]
	c.mu.Unlock()
	if !ok {
		return
	}
	feed.Push(remote.Event{Kind: kind, Key: f.Key, Payload: []byte(f.Payload)})
}

// shutdown fails pending calls and closes every subscription.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	feeds := c.feeds
	c.feeds = make(map[uint64]*remote.Feed)
	c.mu.Unlock()

	for _, pc := range pending {
		close(pc.ch)
	}
	for _, feed := range feeds {
		feed.Unsubscribe()
	}
	close(c.done)
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, req *frame, feed *remote.Feed) (*frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	pc := &pendingCall{ch: make(chan *frame, 1), feed: feed}
	c.pending[req.ID] = pc
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	data, err := json.Marshal(req)
	if err != nil {
		forget()
		return nil, fmt.Errorf("%s: marshal request: %w", req.Op, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		forget()
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}

	select {
	case resp, ok := <-pc.ch:
		if !ok {
			return nil, ErrClosed
		}
		if !resp.OK {
			return nil, fmt.Errorf("%s %s: %s", req.Op, req.Ref, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Write implements remote.Store.
func (c *Client) Write(ctx context.Context, ref remote.Ref, key string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("write %s: payload is not valid JSON", ref.Child(key))
	}
	_, err := c.call(ctx, &frame{Op: OpWrite, Ref: string(ref), Key: key, Payload: payload}, nil)
	return err
}

// Remove implements remote.Store.
func (c *Client) Remove(ctx context.Context, ref remote.Ref, key string) error {
	_, err := c.call(ctx, &frame{Op: OpRemove, Ref: string(ref), Key: key}, nil)
	return err
}

// Read implements remote.Store.
func (c *Client) Read(ctx context.Context, ref remote.Ref, key string) ([]byte, bool, error) {
	resp, err := c.call(ctx, &frame{Op: OpRead, Ref: string(ref), Key: key}, nil)
	if err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	return []byte(resp.Payload), true, nil
}

// ReadSnapshot implements remote.Store.
func (c *Client) ReadSnapshot(ctx context.Context, ref remote.Ref) (map[string][]byte, error) {
	resp, err := c.call(ctx, &frame{Op: OpSnapshot, Ref: string(ref)}, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(resp.Children))
	for k, v := range resp.Children {
		out[k] = []byte(v)
	}
	return out, nil
}

// Subscribe implements remote.Store.
func (c *Client) Subscribe(ctx context.Context, ref remote.Ref) (remote.Subscription, error) {
	var feed *remote.Feed
	feed = remote.NewFeed(func() { c.unsubscribe(feed) })

	if _, err := c.call(ctx, &frame{Op: OpSubscribe, Ref: string(ref)}, feed); err != nil {
		feed.Unsubscribe()
		return nil, err
	}
	return feed, nil
}

// unsubscribe detaches feed and tells the server, unless the connection is
// already gone.
func (c *Client) unsubscribe(feed *remote.Feed) {
	c.mu.Lock()
	var id uint64
	for sid, f := range c.feeds {
		if f == feed {
			id = sid
			delete(c.feeds, sid)
			break
		}
	}
	closed := c.closed
	c.mu.Unlock()
	if id == 0 || closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := c.call(ctx, &frame{Op: OpUnsubscribe, Sub: id}, nil); err != nil {
		c.logger.Debug("unsubscribe failed", "sub", id, "error", err)
	}
}
