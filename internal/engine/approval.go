package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrApprovalTimeout indicates the approval window elapsed without a
// decision. A deliberate stop, not a failure: the run ends rejected.
var ErrApprovalTimeout = errors.New("approval timed out")

// Decision is an explicit human approve/deny signal for one gated stage
// of one run.
type Decision struct {
	Approved bool   `json:"approved"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalBroker routes approval decisions to the stage waiting on them,
// keyed by (run id, stage name). A gated stage never proceeds without an
// explicit decision; there is no implicit auto-approve.
type ApprovalBroker struct {
	mu      sync.Mutex
	waiters map[string]chan Decision
}

func NewApprovalBroker() *ApprovalBroker {
	return &ApprovalBroker{
		waiters: make(map[string]chan Decision),
	}
}

func approvalKey(runID, stage string) string {
	return runID + "/" + stage
}

// Await blocks until a decision arrives for (runID, stage), the timeout
// elapses, or the context is cancelled.
func (b *ApprovalBroker) Await(ctx context.Context, runID, stage string, timeout time.Duration) (Decision, error) {
	key := approvalKey(runID, stage)

	ch := make(chan Decision, 1)
	b.mu.Lock()
	if _, exists := b.waiters[key]; exists {
		b.mu.Unlock()
		return Decision{}, fmt.Errorf("approval already pending for %s", key)
	}
	b.waiters[key] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, key)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		return Decision{}, fmt.Errorf("%w: no decision within %s", ErrApprovalTimeout, timeout)
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a decision to the waiting stage. Returns false when
// nothing is waiting on (runID, stage).
func (b *ApprovalBroker) Resolve(runID, stage string, d Decision) bool {
	key := approvalKey(runID, stage)

	b.mu.Lock()
	ch, exists := b.waiters[key]
	if exists {
		// Single-delivery: the first decision wins, later ones find no
		// waiter.
		delete(b.waiters, key)
	}
	b.mu.Unlock()

	if !exists {
		return false
	}

	ch <- d
	return true
}

// Pending lists the (run id, stage) keys currently awaiting a decision.
func (b *ApprovalBroker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.waiters))
	for key := range b.waiters {
		keys = append(keys, key)
	}
	return keys
}
