package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// Session is the buyer-facing side of a bridge. The buyer speaks
// streamable HTTP: each request POST is held open until the bridge
// delivers the response with the matching id, while notifications are
// acknowledged immediately. Messages with no waiter (upstream
// notifications, replies arriving after teardown) are dropped.
type Session struct {
	ID     string
	bridge *Bridge
	log    *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
	closed  bool
}

// NewSession wires a session to its bridge's message sink.
func NewSession(id string, bridge *Bridge, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		ID:      id,
		bridge:  bridge,
		log:     log,
		waiters: make(map[string]chan json.RawMessage),
	}
	bridge.SetOnMessage(s.deliver)
	return s
}

// HandleRequest forwards a buyer request through the bridge and blocks
// until its response arrives, the session closes, or ctx is done.
func (s *Session) HandleRequest(ctx context.Context, env *x402.Envelope) (json.RawMessage, error) {
	waiter, err := s.addWaiter(env.IDKey())
	if err != nil {
		return nil, err
	}

	if err := s.bridge.HandleFromBuyer(ctx, env); err != nil {
		s.removeWaiter(env.IDKey())
		return nil, err
	}

	select {
	case raw, ok := <-waiter:
		if !ok {
			return nil, x402.ErrBridgeClosed
		}
		return raw, nil
	case <-ctx.Done():
		// Buyer went away; the eventual response has nowhere to go.
		s.removeWaiter(env.IDKey())
		return nil, ctx.Err()
	}
}

// HandleNotification forwards a buyer notification or response without
// waiting for anything back.
func (s *Session) HandleNotification(ctx context.Context, env *x402.Envelope) error {
	return s.bridge.HandleFromBuyer(ctx, env)
}

// deliver routes a bridge message to the POST waiting for it.
func (s *Session) deliver(raw json.RawMessage) {
	env, err := x402.ParseMessage(raw)
	if err != nil || !env.HasID() {
		// No GET stream to carry upstream notifications; drop them.
		s.log.Debug("dropping unroutable message", "session", s.ID)
		return
	}

	s.mu.Lock()
	waiter, ok := s.waiters[env.IDKey()]
	delete(s.waiters, env.IDKey())
	s.mu.Unlock()

	if !ok {
		s.log.Debug("dropping response with no waiter", "session", s.ID, "id", env.IDToken())
		return
	}
	waiter <- raw
}

// Close tears down the session: the bridge closes (dropping in-flight
// work) and every blocked request is released with an error.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	waiters := s.waiters
	s.waiters = make(map[string]chan json.RawMessage)
	s.mu.Unlock()

	for _, waiter := range waiters {
		close(waiter)
	}
	_ = s.bridge.Close()
}

func (s *Session) addWaiter(key string) (chan json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, x402.ErrBridgeClosed
	}
	if _, inFlight := s.waiters[key]; inFlight {
		// Overwriting would orphan the earlier POST's response.
		return nil, fmt.Errorf("%w: %s", x402.ErrDuplicateRequest, key)
	}
	waiter := make(chan json.RawMessage, 1)
	s.waiters[key] = waiter
	return waiter, nil
}

func (s *Session) removeWaiter(key string) {
	s.mu.Lock()
	delete(s.waiters, key)
	s.mu.Unlock()
}

// Registry is the process-wide session table, guarded by a mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session from the table without closing it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session, for proxy shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
