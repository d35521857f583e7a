package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/agent"
)

// scriptedAgent replays a fixed sequence of observations, repeating the
// last one once the script is exhausted.
type scriptedAgent struct {
	mu    sync.Mutex
	steps []agent.ConvergenceObservation
	calls int
	err   error
}

func (s *scriptedAgent) GetStatus(ctx context.Context, application string) (*agent.ConvergenceObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++

	obs := s.steps[idx]
	obs.ObservedAt = time.Now().UTC()
	return &obs, nil
}

func (s *scriptedAgent) TriggerSync(ctx context.Context, application string) (*agent.SyncRequest, error) {
	return &agent.SyncRequest{Application: application, RequestedAt: time.Now().UTC()}, nil
}

func (s *scriptedAgent) Rollback(ctx context.Context, application, toVersion string) error {
	return nil
}

func (s *scriptedAgent) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOpts() Options {
	return Options{
		Timeout:          200 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func TestAwaitConvergence_RequiresSimultaneousSyncedAndHealthy(t *testing.T) {
	// synced+degraded in the middle must not be accepted; only the third
	// observation qualifies.
	fake := &scriptedAgent{steps: []agent.ConvergenceObservation{
		{Sync: agent.SyncSyncing, Health: agent.HealthProgressing},
		{Sync: agent.SyncSynced, Health: agent.HealthDegraded},
		{Sync: agent.SyncSynced, Health: agent.HealthHealthy},
	}}

	p := New(fake, testLogger())
	obs, err := p.AwaitConvergence(context.Background(), "hello-world", fastOpts())
	require.NoError(t, err)
	assert.True(t, obs.Converged())
	assert.Equal(t, 3, fake.callCount(), "must converge on the third observation, not the second")
}

func TestAwaitConvergence_Timeout(t *testing.T) {
	fake := &scriptedAgent{steps: []agent.ConvergenceObservation{
		{Sync: agent.SyncSyncing, Health: agent.HealthProgressing},
	}}

	p := New(fake, testLogger())
	opts := Options{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond, FailureThreshold: 3}

	obs, err := p.AwaitConvergence(context.Background(), "hello-world", opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConvergenceTimeout))
	require.NotNil(t, obs, "last observation must accompany the timeout")
	assert.Equal(t, agent.SyncSyncing, obs.Sync)
}

func TestAwaitConvergence_ConsecutiveFailuresAbort(t *testing.T) {
	fake := &scriptedAgent{steps: []agent.ConvergenceObservation{
		{Sync: agent.SyncError, Health: agent.HealthProgressing},
	}}

	p := New(fake, testLogger())
	obs, err := p.AwaitConvergence(context.Background(), "hello-world", fastOpts())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConvergenceFailed))
	assert.Equal(t, agent.SyncError, obs.Sync)
	assert.Equal(t, 3, fake.callCount(), "must abort exactly at the failure threshold")
}

func TestAwaitConvergence_FailureCounterResets(t *testing.T) {
	// Two degraded readings, a recovery, then convergence: the counter
	// must reset on the healthy-progressing observation.
	fake := &scriptedAgent{steps: []agent.ConvergenceObservation{
		{Sync: agent.SyncSynced, Health: agent.HealthDegraded},
		{Sync: agent.SyncSynced, Health: agent.HealthDegraded},
		{Sync: agent.SyncSyncing, Health: agent.HealthProgressing},
		{Sync: agent.SyncSynced, Health: agent.HealthDegraded},
		{Sync: agent.SyncSynced, Health: agent.HealthHealthy},
	}}

	p := New(fake, testLogger())
	obs, err := p.AwaitConvergence(context.Background(), "hello-world", fastOpts())
	require.NoError(t, err)
	assert.True(t, obs.Converged())
}

func TestAwaitConvergence_ContextCancellation(t *testing.T) {
	fake := &scriptedAgent{steps: []agent.ConvergenceObservation{
		{Sync: agent.SyncSyncing, Health: agent.HealthProgressing},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	p := New(fake, testLogger())
	start := time.Now()
	_, err := p.AwaitConvergence(ctx, "hello-world", Options{
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second, "cancellation must abort the poll loop promptly")
}

func TestAwaitConvergence_StatusErrorPropagates(t *testing.T) {
	fake := &scriptedAgent{err: agent.ErrAgentUnauthorized}

	p := New(fake, testLogger())
	_, err := p.AwaitConvergence(context.Background(), "hello-world", fastOpts())
	assert.True(t, errors.Is(err, agent.ErrAgentUnauthorized))
}
