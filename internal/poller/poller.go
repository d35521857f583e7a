// Package poller implements the bounded convergence wait between a sync
// trigger and the delivery agent reporting the application synced and
// healthy in the same observation.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stagegate/internal/agent"
)

const (
	// DefaultFailureThreshold is how many consecutive error/degraded
	// observations abort the wait. A single degraded reading during a
	// rollout is usually transient.
	DefaultFailureThreshold = 3

	DefaultPollInterval = 10 * time.Second
	DefaultTimeout      = 5 * time.Minute
)

var (
	// ErrConvergenceTimeout indicates the timeout elapsed without any
	// observation reporting synced and healthy simultaneously.
	ErrConvergenceTimeout = errors.New("convergence timeout")

	// ErrConvergenceFailed indicates the failure threshold was reached:
	// consecutive observations reported sync error or degraded health.
	ErrConvergenceFailed = errors.New("convergence failed")
)

// Options bounds a single convergence wait.
type Options struct {
	Timeout          time.Duration
	PollInterval     time.Duration
	FailureThreshold int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	return o
}

// Poller drives fixed-interval status polling against the delivery agent.
// No backoff: the agents this fronts document fixed-interval polling and
// the interval must be preserved.
type Poller struct {
	Agent  agent.API
	Logger *slog.Logger
}

func New(api agent.API, logger *slog.Logger) *Poller {
	return &Poller{Agent: api, Logger: logger}
}

// AwaitConvergence polls the application's status every PollInterval until
// one observation reports synced and healthy simultaneously, the timeout
// elapses, or the failure threshold is reached. The last observation is
// returned alongside any error. Context cancellation aborts the loop
// promptly and leaves the agent's state untouched.
func (p *Poller) AwaitConvergence(ctx context.Context, application string, opts Options) (*agent.ConvergenceObservation, error) {
	opts = opts.withDefaults()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var last *agent.ConvergenceObservation
	consecutiveFailures := 0

	for {
		obs, err := p.Agent.GetStatus(ctx, application)
		if err != nil {
			// The client already retried transient failures.
			return last, err
		}
		last = obs

		p.Logger.Debug("convergence observation",
			"application", application,
			"sync", obs.Sync,
			"health", obs.Health,
			"revision", obs.Revision)

		if obs.Converged() {
			return obs, nil
		}

		if obs.Failing() {
			consecutiveFailures++
			if consecutiveFailures >= opts.FailureThreshold {
				return obs, fmt.Errorf("%w: %d consecutive failing observations (sync=%s health=%s)",
					ErrConvergenceFailed, consecutiveFailures, obs.Sync, obs.Health)
			}
		} else {
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, fmt.Errorf("%w: no synced+healthy observation within %s", ErrConvergenceTimeout, opts.Timeout)
		case <-ticker.C:
		}
	}
}
