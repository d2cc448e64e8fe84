// Package registry implements the Session Registry: it owns all live
// sessions, keyed by opaque session id, and supports creation, reconnect
// look-up, and idle-TTL eviction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmrtc/llmrtc/internal/history"
	"github.com/llmrtc/llmrtc/internal/playbook"
)

// ErrSessionNotFound is returned by Reconnect when no session exists for the
// supplied id (Get reports absence by returning nil).
var ErrSessionNotFound = errors.New("registry: session not found")

// ErrSessionExpired names the "session existed but has since been evicted"
// case. Reconnect does not return it: an evicted id is indistinguishable
// from an unknown one inside the registry (see Reconnect).
var ErrSessionExpired = errors.New("registry: session expired")

// Multiplexer is the subset of the transport multiplexer a Session needs to
// hold a rebindable reference to. Defined here (rather than imported from
// internal/transport) to avoid a dependency cycle: transport imports
// internal/turn, which imports this package.
type Multiplexer interface {
	// Close tears down the underlying channels. Safe to call multiple times.
	Close() error
}

// Session is a process-lifetime conversational session. One Session is
// created per signaling handshake and lives until TTL eviction or explicit
// close.
type Session struct {
	ID              string
	ProtocolVersion int
	CreatedAt       time.Time

	History *history.History

	mu              sync.Mutex
	lastActivityAt  time.Time
	playbookState   *playbook.State
	playbookDef     *playbook.Playbook
	transport       Multiplexer
	turnGeneration  uint64
	turnRunning     bool
	cancelActive    context.CancelFunc
}

// Touch records activity, resetting the idle-TTL clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// NextGeneration allocates and returns the next turn generation for this
// session. Generations are monotonically increasing and never reused.
func (s *Session) NextGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnGeneration++
	return s.turnGeneration
}

// CurrentGeneration returns the most recently allocated generation without
// incrementing it.
func (s *Session) CurrentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnGeneration
}

// BeginTurn marks a turn as active and stores its cancellation function,
// which CancelActiveTurn later invokes (barge-in uses this to cancel an
// in-flight turn). A previously stored function is replaced without being
// called, so callers cancel the previous turn before beginning a new one.
func (s *Session) BeginTurn(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnRunning = true
	s.cancelActive = cancel
}

// EndTurn marks the active turn as finished.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnRunning = false
	s.cancelActive = nil
}

// CancelActiveTurn signals the active turn's cancellation token, if any. Safe
// to call when no turn is active (no-op).
func (s *Session) CancelActiveTurn() {
	s.mu.Lock()
	cancel := s.cancelActive
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TurnActive reports whether a turn is currently running.
func (s *Session) TurnActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnRunning
}

// PlaybookState returns the session's current playbook state, or nil if no
// playbook is attached.
func (s *Session) PlaybookState() *playbook.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbookState
}

// SetPlaybookState replaces the session's playbook state.
func (s *Session) SetPlaybookState(st *playbook.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbookState = st
}

// Playbook returns the compiled Playbook bound to this session, or nil if
// none is attached.
func (s *Session) Playbook() *playbook.Playbook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbookDef
}

// BindPlaybook attaches pb to the session and initializes its State at
// pb's initial stage.
func (s *Session) BindPlaybook(pb *playbook.Playbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbookDef = pb
	s.playbookState = playbook.NewState(pb)
}

// Rebind replaces the session's bound Multiplexer, closing the previous one
// if present. Used on reconnect.
func (s *Session) Rebind(m Multiplexer) {
	s.mu.Lock()
	old := s.transport
	s.transport = m
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Transport returns the currently bound Multiplexer, or nil if none is
// bound (e.g. between disconnect and reconnect).
func (s *Session) Transport() Multiplexer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// evictable reports whether the session may be removed by evictExpired:
// idle past ttl and no turn currently running.
func (s *Session) evictable(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt) >= ttl && !s.turnRunning
}

// Registry owns all live sessions. Map mutation is guarded by a single lock
// held only during insert/lookup/erase; Session-internal state (history,
// playbook state, turn bookkeeping) is guarded independently so that registry
// lookups never block on a session's own work.
type Registry struct {
	ttl           time.Duration
	historyLimit  int

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Registry whose sessions are evicted after ttl of inactivity
// and whose History stores trim to historyLimit messages.
func New(ttl time.Duration, historyLimit int) *Registry {
	return &Registry{
		ttl:          ttl,
		historyLimit: historyLimit,
		sessions:     make(map[string]*Session),
	}
}

// Create allocates a new Session with a fresh random id.
func (r *Registry) Create() *Session {
	s := &Session{
		ID:              uuid.NewString(),
		ProtocolVersion: 1,
		CreatedAt:       time.Now(),
		lastActivityAt:  time.Now(),
		History:         history.New(r.historyLimit),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	slog.Info("session created", "session_id", s.ID)
	return s
}

// Get looks up a session by id without affecting its TTL clock. Returns nil
// if absent.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Reconnect looks up an existing, non-evicted session by id. On success it
// touches the session (resetting its idle clock) and returns it with
// historyRecovered=true. If the id is unknown it returns ErrSessionNotFound.
// An evicted session's id is removed from the map exactly like one that
// never existed, so the two cases cannot be told apart here; internal/app
// answers either failure with reconnect-ack{success:false} and sends no
// SESSION_NOT_FOUND or SESSION_EXPIRED error code.
func (r *Registry) Reconnect(id string) (s *Session, historyRecovered bool, err error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Touch()
	return s, true, nil
}

// Close evicts and removes a session explicitly (not via TTL), cancelling
// any active turn and closing its transport.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.CancelActiveTurn()
	if t := s.Transport(); t != nil {
		_ = t.Close()
	}
	slog.Info("session closed", "session_id", id)
}

// EvictExpired removes every session that is idle past ttl and has no
// active turn, closing its transport. Intended to be called periodically
// (see Run).
func (r *Registry) EvictExpired() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.evictable(now, r.ttl) {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		if t := s.Transport(); t != nil {
			_ = t.Close()
		}
		slog.Info("session evicted (idle TTL)", "session_id", s.ID)
	}
}

// Run starts a background eviction loop that calls EvictExpired on the given
// interval until ctx is cancelled. Intended to be launched as a goroutine by
// internal/app.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictExpired()
		}
	}
}

// Len returns the current number of live sessions. Used by health checks and
// metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
