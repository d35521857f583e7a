// Package engine executes promotion runs: for each environment stage in
// order it mutates the stage's manifest, triggers the delivery agent and
// waits for convergence, inserting an approval gate before stages that
// require one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stagegate/internal/agent"
	"stagegate/internal/manifest"
	"stagegate/internal/pipeline"
	"stagegate/internal/poller"
	"stagegate/internal/run"
	"stagegate/internal/security"
)

// ErrRunActive indicates a promotion run is already driving the target
// application. Concurrent runs for the same application are rejected,
// not queued.
var ErrRunActive = errors.New("a promotion run is already active for this application")

const (
	// DefaultMutateRetries is how many times a manifest write conflict
	// is retried with a fresh read before the stage fails.
	DefaultMutateRetries = 2
)

// Engine owns promotion runs from acceptance to terminal outcome. A run
// executes its stages strictly sequentially; independent runs targeting
// disjoint applications execute concurrently.
type Engine struct {
	Store     *run.Store
	Agent     agent.API
	Mutator   manifest.Mutator
	Poller    *poller.Poller
	Approvals *ApprovalBroker
	Locks     *LockManager
	Logger    *slog.Logger

	MutateRetries int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine.
func New(store *run.Store, api agent.API, mut manifest.Mutator, logger *slog.Logger) *Engine {
	return &Engine{
		Store:         store,
		Agent:         api,
		Mutator:       mut,
		Poller:        poller.New(api, logger),
		Approvals:     NewApprovalBroker(),
		Locks:         NewLockManager(),
		Logger:        logger,
		MutateRetries: DefaultMutateRetries,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// StartRun accepts an artifact version for promotion through a pipeline
// and executes the run asynchronously. Returns ErrRunActive (with the
// durably recorded rejection) when a run already holds the application.
func (e *Engine) StartRun(ctx context.Context, p *pipeline.Pipeline, version string) (*run.Run, error) {
	if err := security.ValidateImageTag(version); err != nil {
		return nil, fmt.Errorf("invalid artifact version: %w", err)
	}

	if !e.Locks.TryLock(p.Application) {
		e.Logger.Warn("promotion already in progress, rejecting",
			"pipeline", p.Name, "application", p.Application, "version", version)

		r := run.New(p.Name, p.Application, version, p.StageNames())
		r.State = run.StateRejected
		msg := ErrRunActive.Error()
		r.ErrorMessage = &msg
		now := time.Now().UTC()
		r.CompletedAt = &now
		for i := range r.Stages {
			r.Stages[i].State = run.StageSkipped
		}
		if err := e.Store.CreateRun(ctx, r); err != nil {
			e.Logger.Error("failed to record rejected run", "error", err, "pipeline", p.Name)
		}

		return r, ErrRunActive
	}

	r := run.New(p.Name, p.Application, version, p.StageNames())
	if err := e.Store.CreateRun(ctx, r); err != nil {
		e.Locks.Unlock(p.Application)
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	// Detached from the request context: the caller gets an immediate
	// acknowledgement and the run continues in the background.
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[r.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.Locks.Unlock(p.Application)
		defer func() {
			e.mu.Lock()
			delete(e.cancels, r.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.execute(runCtx, p, r)
	}()

	return r, nil
}

// Cancel aborts a run's current stage promptly. Local bookkeeping only:
// an already-triggered sync keeps reconciling at the agent.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, exists := e.cancels[runID]
	e.mu.Unlock()

	if !exists {
		return false
	}
	cancel()
	return true
}

// Approve resolves a pending approval gate. Returns false when nothing
// is waiting on (runID, stage).
func (e *Engine) Approve(runID, stage string, d Decision) bool {
	return e.Approvals.Resolve(runID, stage, d)
}

// Wait blocks until all in-flight runs complete. Used for graceful
// shutdown and tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute drives a run to a terminal state and records the outcome
// before returning.
func (e *Engine) execute(ctx context.Context, p *pipeline.Pipeline, r *run.Run) {
	logger := e.Logger.With("run", r.ID, "pipeline", p.Name, "version", r.Version)
	logger.Info("promotion run started", "stages", len(p.Stages))

	// Audit writes use a background context so terminal outcomes are
	// durably recorded even when the run context is cancelled.
	audit := context.Background()

	if err := e.Store.UpdateRunState(audit, r.ID, run.StateRunning, nil); err != nil {
		logger.Error("failed to record run start", "error", err)
	}

	for i, stage := range p.Stages {
		state, errMsg := e.runStage(ctx, p, r, stage, logger)
		if state == run.StageConverged {
			continue
		}

		// The failing stage ends the run; later stages never start.
		e.skipRemaining(audit, r, i+1)

		runState := run.StateAborted
		switch {
		case state == run.StageRejected:
			runState = run.StateRejected
		case ctx.Err() != nil:
			runState = run.StateCancelled
		}

		var msgPtr *string
		if errMsg != "" {
			full := fmt.Sprintf("stage '%s': %s", stage.Name, errMsg)
			msgPtr = &full
		}
		if err := e.Store.UpdateRunState(audit, r.ID, runState, msgPtr); err != nil {
			logger.Error("failed to record run outcome", "error", err)
		}

		logger.Info("promotion run finished", "state", runState, "failed_stage", stage.Name)
		return
	}

	if err := e.Store.UpdateRunState(audit, r.ID, run.StateConverged, nil); err != nil {
		logger.Error("failed to record run outcome", "error", err)
	}
	logger.Info("promotion run finished", "state", run.StateConverged)
}

// runStage executes one stage to a terminal stage state. The returned
// message is empty for converged stages.
func (e *Engine) runStage(ctx context.Context, p *pipeline.Pipeline, r *run.Run, stage pipeline.Stage, logger *slog.Logger) (run.StageState, string) {
	audit := context.Background()
	logger = logger.With("stage", stage.Name)

	started := time.Now().UTC()
	outcome := &run.StageOutcome{
		RunID:     r.ID,
		Name:      stage.Name,
		StartedAt: &started,
	}

	record := func(state run.StageState) {
		outcome.State = state
		if err := e.Store.UpdateStage(audit, outcome); err != nil {
			logger.Error("failed to record stage state", "error", err, "state", state)
		}
	}
	finish := func(state run.StageState, errMsg string) (run.StageState, string) {
		now := time.Now().UTC()
		outcome.CompletedAt = &now
		if errMsg != "" {
			outcome.ErrorMessage = &errMsg
		}
		record(state)
		return state, errMsg
	}

	// Approval gate: a gated stage never begins its mutate step without
	// an explicit approval for this (run, stage) pair.
	if stage.RequiresApproval {
		record(run.StageAwaitingApproval)
		logger.Info("awaiting approval", "timeout", stage.ApprovalTimeout)

		decision, err := e.Approvals.Await(ctx, r.ID, stage.Name, stage.ApprovalTimeout)
		switch {
		case errors.Is(err, ErrApprovalTimeout):
			return finish(run.StageRejected, err.Error())
		case ctx.Err() != nil:
			return finish(run.StageFailed, "run cancelled while awaiting approval")
		case err != nil:
			return finish(run.StageFailed, err.Error())
		case !decision.Approved:
			msg := "approval denied"
			if decision.Actor != "" {
				msg = fmt.Sprintf("approval denied by %s", decision.Actor)
			}
			if decision.Reason != "" {
				msg = fmt.Sprintf("%s: %s", msg, decision.Reason)
			}
			return finish(run.StageRejected, msg)
		}
		logger.Info("approved", "actor", decision.Actor)
	}

	// Mutate: write the new image tag into this stage's manifest.
	// A write conflict means someone changed the manifest underneath us;
	// retry from a fresh read rather than overwrite.
	record(run.StageMutating)
	var ref *manifest.CommitRef
	var err error
	for attempt := 0; ; attempt++ {
		ref, err = e.Mutator.SetImageTag(ctx, stage.Manifest, r.Version)
		if err == nil || !errors.Is(err, manifest.ErrWriteConflict) || attempt >= e.MutateRetries {
			break
		}
		logger.Warn("manifest write conflict, retrying with fresh read", "attempt", attempt+1)
	}
	if err != nil {
		if ctx.Err() != nil {
			return finish(run.StageFailed, "run cancelled during manifest update")
		}
		return finish(run.StageFailed, fmt.Sprintf("manifest update failed: %v", err))
	}
	outcome.CommitSHA = &ref.SHA

	// Trigger: ask the agent to reconcile. The return value proves
	// nothing; convergence is decided by polling.
	record(run.StageSyncTriggered)
	if _, err := e.Agent.TriggerSync(ctx, p.Application); err != nil {
		if ctx.Err() != nil {
			return finish(run.StageFailed, "run cancelled during sync trigger")
		}
		return finish(run.StageFailed, fmt.Sprintf("sync trigger failed: %v", err))
	}

	// Converge: wait for a single observation reporting synced+healthy.
	record(run.StageConverging)
	obs, err := e.Poller.AwaitConvergence(ctx, p.Application, poller.Options{
		Timeout:          stage.ConvergenceTimeout,
		PollInterval:     stage.PollInterval,
		FailureThreshold: stage.FailureThreshold,
	})
	if obs != nil {
		syncState := string(obs.Sync)
		healthState := string(obs.Health)
		outcome.LastSync = &syncState
		outcome.LastHealth = &healthState
	}

	switch {
	case err == nil:
		logger.Info("stage converged", "revision", obs.Revision)
		return finish(run.StageConverged, "")
	case errors.Is(err, poller.ErrConvergenceTimeout):
		return finish(run.StageTimedOut, err.Error())
	case ctx.Err() != nil:
		return finish(run.StageFailed, "run cancelled while awaiting convergence")
	default:
		return finish(run.StageFailed, err.Error())
	}
}

// skipRemaining marks stages after the failing one as never started.
func (e *Engine) skipRemaining(ctx context.Context, r *run.Run, from int) {
	for _, stage := range r.Stages[from:] {
		outcome := &run.StageOutcome{
			RunID: r.ID,
			Name:  stage.Name,
			State: run.StageSkipped,
		}
		if err := e.Store.UpdateStage(ctx, outcome); err != nil {
			e.Logger.Error("failed to record skipped stage", "error", err, "run", r.ID, "stage", stage.Name)
		}
	}
}
