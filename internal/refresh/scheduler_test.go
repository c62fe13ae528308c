package refresh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDelayNoExpiryUsesDefaultLead(t *testing.T) {
	assert.Equal(t, defaultLeadNoExpiry, computeDelay(nil))
}

func TestComputeDelayLongLifetimeCapsAtMaxScheduleAhead(t *testing.T) {
	expires := time.Now().Add(30 * 24 * time.Hour)
	assert.Equal(t, maxScheduleAhead, computeDelay(&expires))
}

func TestComputeDelayShortLifetimeClampsToMinRefreshLead(t *testing.T) {
	// lifetime * lifetimeFraction is tiny here, so the minRefreshLead
	// floor applies and pulls refresh_at further forward.
	expires := time.Now().Add(10 * time.Minute)
	delay := computeDelay(&expires)
	assert.InDelta(t, (10*time.Minute - minRefreshLead).Seconds(), delay.Seconds(), 1)
}

func TestComputeDelayPastExpiryClampsToZero(t *testing.T) {
	expires := time.Now().Add(-time.Hour)
	assert.Equal(t, time.Duration(0), computeDelay(&expires))
}

type refreshCall struct {
	provider, sessionName string
}

func newRecordingScheduler(fn func(ctx context.Context, provider, sessionName string) error) (*Scheduler, *[]refreshCall, *sync.Mutex) {
	var mu sync.Mutex
	var calls []refreshCall
	s := New("test-scheduler", func(ctx context.Context, provider, sessionName string) error {
		mu.Lock()
		calls = append(calls, refreshCall{provider, sessionName})
		mu.Unlock()
		return fn(ctx, provider, sessionName)
	})
	return s, &calls, &mu
}

func TestScheduleThenRunMsgInvokesRefreshFunc(t *testing.T) {
	s, calls, mu := newRecordingScheduler(func(ctx context.Context, provider, sessionName string) error {
		return nil
	})

	expires := time.Now().Add(-time.Second) // already due
	require.NoError(t, s.Receive(context.Background(), ScheduleMsg{Provider: "anthropic", SessionName: "default", ExpiresAt: &expires}))
	require.NoError(t, s.Receive(context.Background(), runMsg{provider: "anthropic", sessionName: "default"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *calls, 1)
	assert.Equal(t, "anthropic", (*calls)[0].provider)
	assert.Equal(t, "default", (*calls)[0].sessionName)

	// a clean run clears the job so a fresh Schedule can re-arm it.
	assert.Empty(t, s.jobs)
}

func TestRunJobSetsReauthOnInvalidRefreshTokenAndStopsRetrying(t *testing.T) {
	attempts := 0
	s := New("test-scheduler", func(ctx context.Context, provider, sessionName string) error {
		attempts++
		return canon.ErrInvalidRefreshToken
	})

	require.NoError(t, s.Receive(context.Background(), runMsg{provider: "openai", sessionName: "work"}))
	assert.Equal(t, 1, attempts, "invalid_refresh_token should not be retried")

	k := key("openai", "work")
	j, ok := s.jobs[k]
	require.True(t, ok)
	assert.True(t, j.reauth)
}

func TestScheduleSkipsReauthJobs(t *testing.T) {
	s := New("test-scheduler", func(ctx context.Context, provider, sessionName string) error {
		return canon.ErrInvalidRefreshToken
	})

	require.NoError(t, s.Receive(context.Background(), runMsg{provider: "openai", sessionName: "work"}))
	k := key("openai", "work")
	require.True(t, s.jobs[k].reauth)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.Receive(context.Background(), ScheduleMsg{Provider: "openai", SessionName: "work", ExpiresAt: &expires}))

	// still marked reauth: the repeated Schedule must not arm a new timer.
	assert.True(t, s.jobs[k].reauth)
	assert.Nil(t, s.jobs[k].timer)
}

func TestCancelMsgRemovesScheduledJob(t *testing.T) {
	s, _, _ := newRecordingScheduler(func(ctx context.Context, provider, sessionName string) error { return nil })

	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.Receive(context.Background(), ScheduleMsg{Provider: "anthropic", SessionName: "default", ExpiresAt: &expires}))
	assert.Len(t, s.jobs, 1)

	require.NoError(t, s.Receive(context.Background(), CancelMsg{Provider: "anthropic", SessionName: "default"}))
	assert.Empty(t, s.jobs)
}

func TestRunJobRetriesTransientErrorsBeforeSucceeding(t *testing.T) {
	attempts := 0
	s := New("test-scheduler", func(ctx context.Context, provider, sessionName string) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})

	require.NoError(t, s.Receive(context.Background(), runMsg{provider: "anthropic", sessionName: "default"}))
	assert.GreaterOrEqual(t, attempts, 3)
	assert.Empty(t, s.jobs, "a successful run clears the job entry")
}

func TestReceiveRejectsUnknownMessageType(t *testing.T) {
	s := New("test-scheduler", func(ctx context.Context, provider, sessionName string) error { return nil })
	err := s.Receive(context.Background(), unknownMsg{})
	require.Error(t, err)
}

type unknownMsg struct{}

func (unknownMsg) Type() string { return "refresh.unknown" }
