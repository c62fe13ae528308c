// Package supervisor implements the Cancellation & Backpressure
// Supervisor: per-session_id at-most-one in-flight stream,
// cooperative cancellation, and idle/turn timeouts.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/logger"
)

const (
	defaultIdleTimeout = 60 * time.Second
	defaultTurnTimeout = 10 * time.Minute
)

// RejectPolicy decides what happens when a new stream is requested
// while one is already in flight for the same session_id.
type RejectPolicy int

const (
	// PolicyReject rejects the new request with ErrStreamInProgress.
	PolicyReject RejectPolicy = iota
	// PolicyCancelExisting cancels the in-flight stream and admits the new one.
	PolicyCancelExisting
)

type inflight struct {
	cancel context.CancelFunc
	mu     sync.Mutex
}

// Supervisor tracks one in-flight stream slot per session_id.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*inflight

	Policy      RejectPolicy
	IdleTimeout time.Duration
	TurnTimeout time.Duration
}

func New() *Supervisor {
	return &Supervisor{
		sessions:    make(map[string]*inflight),
		Policy:      PolicyReject,
		IdleTimeout: defaultIdleTimeout,
		TurnTimeout: defaultTurnTimeout,
	}
}

// Handle is returned by Start; callers must call Release when the
// stream ends (successfully, with an error, or cancelled), and should
// call Touch once per chunk received so the idle timeout reflects
// actual byte arrival rather than wall-clock time.
type Handle struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	sup       *Supervisor
	rec       *inflight
	idleTimer *time.Timer
	once      sync.Once
}

// Start admits a new stream for sessionID, applying the configured
// RejectPolicy if one is already in flight. The returned context is
// cancelled on idle timeout, turn timeout, or an explicit Cancel call.
func (s *Supervisor) Start(ctx context.Context, sessionID string) (*Handle, error) {
	s.mu.Lock()
	existing, ok := s.sessions[sessionID]
	if ok {
		if s.Policy == PolicyReject {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: session %q", canon.ErrStreamInProgress, sessionID)
		}
		existing.mu.Lock()
		existing.cancel()
		existing.mu.Unlock()
	}

	turnCtx, cancel := context.WithTimeout(ctx, s.turnTimeout())
	rec := &inflight{cancel: cancel}
	s.sessions[sessionID] = rec
	s.mu.Unlock()

	h := &Handle{sessionID: sessionID, ctx: turnCtx, cancel: cancel, sup: s, rec: rec}
	h.idleTimer = time.AfterFunc(s.idleTimeout(), func() {
		logger.Warn("supervisor: idle timeout for session %q", sessionID)
		cancel()
	})
	return h, nil
}

func (s *Supervisor) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return s.IdleTimeout
}

func (s *Supervisor) turnTimeout() time.Duration {
	if s.TurnTimeout <= 0 {
		return defaultTurnTimeout
	}
	return s.TurnTimeout
}

// Context is the cancellable context the Turn Loop should use for its
// HTTP request and every suspension point within it.
func (h *Handle) Context() context.Context { return h.ctx }

// Touch resets the idle timer; call it once per chunk received from
// the upstream SSE connection so a live, slow-but-progressing stream
// is never killed by the idle timeout.
func (h *Handle) Touch() {
	h.idleTimer.Reset(h.sup.idleTimeout())
}

// Cancel triggers cooperative cancellation: it closes the HTTP
// connection via context cancellation, which unblocks the Framer at
// its next chunk boundary and causes the Turn Loop to surface a
// terminal error(cancelled).
func (h *Handle) Cancel() {
	h.cancel()
}

// Release frees the session's in-flight slot. Safe to call multiple
// times; only the first call has an effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.idleTimer.Stop()
		h.sup.mu.Lock()
		if cur, ok := h.sup.sessions[h.sessionID]; ok && cur == h.rec {
			delete(h.sup.sessions, h.sessionID)
		}
		h.sup.mu.Unlock()
		h.cancel()
	})
}
