package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/firesync/internal/remote"
)

const writeTimeout = 5 * time.Second

// Server serves a remote.Store to WebSocket clients at /ws.
type Server struct {
	store  remote.Store
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server for store.
func NewServer(store remote.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
}

// Handler returns the HTTP routes: /ws for the protocol, /health for probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Serve accepts connections on ln until ctx is done, then closes every
// session and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("remote server listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close disconnects every client and waits for their sessions to end.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(4 << 20)

	sess := &session{
		server: s,
		conn:   conn,
		subs:   make(map[uint64]remote.Subscription),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("client connected", "remote_addr", r.RemoteAddr)
	sess.run(context.Background())

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
	s.logger.Debug("client disconnected", "remote_addr", r.RemoteAddr)
}

// session is one client connection. Requests are handled in arrival order.
type session struct {
	server *Server
	conn   *websocket.Conn

	mu      sync.Mutex
	subs    map[uint64]remote.Subscription
	nextSub uint64
	fwd     sync.WaitGroup
}

func (sess *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		sess.unsubscribeAll()
		sess.fwd.Wait()
		_ = sess.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}

		var req frame
		if err := json.Unmarshal(data, &req); err != nil {
			sess.server.logger.Warn("malformed request", "error", err)
			continue
		}

		resp, start := sess.handle(ctx, &req)
		resp.ID = req.ID
		if err := sess.send(ctx, resp); err != nil {
			return
		}
		if start != nil {
			start()
		}
	}
}

// handle executes one request. For subscriptions it also returns a function
// that starts forwarding events; it runs after the response is sent so the
// client always learns the subscription id before its first event.
func (sess *session) handle(ctx context.Context, req *frame) (*frame, func()) {
	store := sess.server.store

	if req.Op == OpUnsubscribe {
		sess.mu.Lock()
		sub, ok := sess.subs[req.Sub]
		delete(sess.subs, req.Sub)
		sess.mu.Unlock()
		if ok {
			sub.Unsubscribe()
		}
		return &frame{OK: true}, nil
	}

	ref, err := remote.ParseRef(req.Ref)
	if err != nil {
		return errorFrame(err), nil
	}

	switch req.Op {
	case OpWrite:
		if err := store.Write(ctx, ref, req.Key, req.Payload); err != nil {
			return errorFrame(err), nil
		}
		return &frame{OK: true}, nil

	case OpRemove:
		if err := store.Remove(ctx, ref, req.Key); err != nil {
			return errorFrame(err), nil
		}
		return &frame{OK: true}, nil

	case OpRead:
		data, found, err := store.Read(ctx, ref, req.Key)
		if err != nil {
			return errorFrame(err), nil
		}
		return &frame{OK: true, Found: found, Payload: data}, nil

	case OpSnapshot:
		snap, err := store.ReadSnapshot(ctx, ref)
		if err != nil {
			return errorFrame(err), nil
		}
		children := make(map[string]json.RawMessage, len(snap))
		for k, v := range snap {
			children[k] = v
		}
		return &frame{OK: true, Children: children}, nil

	case OpSubscribe:
		sub, err := store.Subscribe(ctx, ref)
		if err != nil {
			return errorFrame(err), nil
		}
		sess.mu.Lock()
		sess.nextSub++
		id := sess.nextSub
		sess.subs[id] = sub
		sess.fwd.Add(1)
		sess.mu.Unlock()
		return &frame{OK: true, Sub: id}, func() { go sess.forward(ctx, id, sub) }

	default:
		return errorFrame(fmt.Errorf("unknown op %q", req.Op)), nil
	}
}

func (sess *session) forward(ctx context.Context, id uint64, sub remote.Subscription) {
	defer sess.fwd.Done()
	for ev := range sub.Events() {
		push := &frame{Sub: id, Kind: ev.Kind.String(), Key: ev.Key, Payload: ev.Payload}
		if err := sess.send(ctx, push); err != nil {
			sub.Unsubscribe()
			return
		}
	}
}

func (sess *session) send(ctx context.Context, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return sess.conn.Write(wctx, websocket.MessageText, data)
}

func (sess *session) unsubscribeAll() {
	sess.mu.Lock()
	subs := sess.subs
	sess.subs = make(map[uint64]remote.Subscription)
	sess.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func errorFrame(err error) *frame {
	return &frame{OK: false, Error: err.Error()}
}
