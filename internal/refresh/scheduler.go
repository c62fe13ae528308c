// Package refresh implements the Refresh Scheduler: an
// at-most-once background job per (provider, session_name) that
// renews OAuth credentials before they expire. It follows the
// teacher's actor idiom — one mailbox, serialized message handling —
// so scheduling state never needs its own mutex.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jkimmerling/the-maestro-sub006/internal/actor"
	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/logger"
)

const (
	minRefreshLead      = 5 * time.Minute
	maxScheduleAhead    = 24 * time.Hour
	defaultLeadNoExpiry = 45 * time.Minute
	lifetimeFraction    = 0.2
	maxRetryAttempts    = 5
)

// RefreshFunc performs the actual provider token refresh and persists
// the result to the Credential Store; the scheduler only decides when
// to call it and retries it on transient failure.
type RefreshFunc func(ctx context.Context, provider, sessionName string) error

// job is the scheduler's per-key bookkeeping.
type job struct {
	timer    *time.Timer
	attempts int
	reauth   bool // set once invalid_refresh_token is seen; no further auto-retry
}

// key formats the (provider, session_name) composite the scheduler is
// keyed by.
func key(provider, sessionName string) string {
	return provider + "|" + sessionName
}

// ScheduleMsg requests a job for (Provider, SessionName), computing
// refresh_at from ExpiresAt.
type ScheduleMsg struct {
	Provider    string
	SessionName string
	ExpiresAt   *time.Time
}

// CancelMsg removes any scheduled job for (Provider, SessionName),
// e.g. on delete_session.
type CancelMsg struct {
	Provider    string
	SessionName string
}

func (ScheduleMsg) Type() string { return "refresh.schedule" }
func (CancelMsg) Type() string   { return "refresh.cancel" }

// Scheduler is an actor.Actor spawned through an actor.System; all
// job-map mutation happens on the ActorRef's single goroutine via
// Receive, so there is no lock to take here. The ActorRef supplies
// the mailbox, the run loop, and health-check monitoring — Scheduler
// itself only holds domain state.
type Scheduler struct {
	name    string
	jobs    map[string]*job
	refresh RefreshFunc
	post    func(actor.Message)
}

func New(name string, refreshFn RefreshFunc) *Scheduler {
	return &Scheduler{
		name:    name,
		jobs:    make(map[string]*job),
		refresh: refreshFn,
	}
}

func (s *Scheduler) ID() string { return s.name }

// BindRef lets the owning actor.ActorRef hand the Scheduler its own
// Send method, so an armed timer can post runMsg back into the
// mailbox it's actually read from. Called once, right after Spawn.
func (s *Scheduler) BindRef(ref *actor.ActorRef) {
	s.post = func(msg actor.Message) { _ = ref.Send(msg) }
}

// Start is a no-op; the owning actor.ActorRef drives the run loop.
func (s *Scheduler) Start(ctx context.Context) error { return nil }

func (s *Scheduler) Stop(ctx context.Context) error {
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
	return nil
}

func (s *Scheduler) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case ScheduleMsg:
		s.schedule(ctx, m)
		return nil
	case CancelMsg:
		k := key(m.Provider, m.SessionName)
		if j, ok := s.jobs[k]; ok && j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, k)
		return nil
	case runMsg:
		s.runJob(ctx, m)
		return nil
	default:
		return fmt.Errorf("refresh scheduler: unknown message type %s", msg.Type())
	}
}

// schedule computes refresh_at and arms a one-shot timer that
// posts back into the mailbox when it fires, preserving the at-most-
// one-job-per-key invariant even across reschedules.
func (s *Scheduler) schedule(ctx context.Context, m ScheduleMsg) {
	k := key(m.Provider, m.SessionName)
	if existing, ok := s.jobs[k]; ok {
		if existing.reauth {
			return // credentials need re-auth; no auto-retry
		}
		if existing.timer != nil {
			existing.timer.Stop()
		}
	}

	delay := computeDelay(m.ExpiresAt)

	j := &job{}
	j.timer = time.AfterFunc(delay, func() {
		if s.post != nil {
			s.post(runMsg{provider: m.Provider, sessionName: m.SessionName})
		}
	})
	s.jobs[k] = j
}

// computeDelay implements the refresh_at policy: refresh at
// lifetime*(1-lifetimeFraction), always at least minRefreshLead
// before expiry, never more than maxScheduleAhead out, and immediately
// once that window has already passed.
func computeDelay(expiresAt *time.Time) time.Duration {
	var delay time.Duration
	if expiresAt != nil {
		lifetime := time.Until(*expiresAt)
		margin := time.Duration(float64(lifetime) * lifetimeFraction)
		if margin < minRefreshLead {
			margin = minRefreshLead
		}
		delay = lifetime - margin
	} else {
		delay = defaultLeadNoExpiry
	}
	if delay > maxScheduleAhead {
		delay = maxScheduleAhead
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// runMsg is an internal-only message the armed timer posts back to
// the mailbox; it never crosses package boundaries.
type runMsg struct {
	provider    string
	sessionName string
}

func (runMsg) Type() string { return "refresh.run" }

func (s *Scheduler) runJob(ctx context.Context, m runMsg) {
	k := key(m.provider, m.sessionName)
	j, ok := s.jobs[k]
	if !ok {
		j = &job{}
		s.jobs[k] = j
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetryAttempts)
	err := backoff.Retry(func() error {
		j.attempts++
		err := s.refresh(ctx, m.provider, m.sessionName)
		if err == nil {
			return nil
		}
		if isInvalidRefreshToken(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		if isInvalidRefreshToken(err) {
			j.reauth = true
			logger.Warn("refresh scheduler: %s requires re-authentication", k)
			return
		}
		logger.Warn("refresh scheduler: giving up on %s after %d attempts: %v", k, j.attempts, err)
		return
	}

	j.attempts = 0
	delete(s.jobs, k) // the caller re-Schedules with the new expires_at once persisted
}

func isInvalidRefreshToken(err error) bool {
	return errors.Is(err, canon.ErrInvalidRefreshToken)
}
