// Package run defines the promotion run model and its durable record.
package run

import (
	"time"

	"github.com/google/uuid"
)

// State is the overall state of a promotion run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateConverged State = "converged" // every stage converged
	StateAborted   State = "aborted"   // a stage failed or timed out
	StateRejected  State = "rejected"  // approval denied, timed out, or run refused at start
	StateCancelled State = "cancelled" // operator cancelled the run
)

// Terminal reports whether the run can no longer change state.
func (s State) Terminal() bool {
	switch s {
	case StateConverged, StateAborted, StateRejected, StateCancelled:
		return true
	}
	return false
}

// StageState is the per-stage outcome within a run.
type StageState string

const (
	StagePending          StageState = "pending"
	StageAwaitingApproval StageState = "awaiting_approval"
	StageMutating         StageState = "mutating"
	StageSyncTriggered    StageState = "sync_triggered"
	StageConverging       StageState = "converging"
	StageConverged        StageState = "converged"
	StageFailed           StageState = "failed"
	StageTimedOut         StageState = "timed_out"
	StageRejected         StageState = "rejected"
	StageSkipped          StageState = "skipped" // never started: an earlier stage ended the run
)

// Run is one execution of a promotion pipeline for one artifact version.
type Run struct {
	ID           string         `json:"id"`
	Pipeline     string         `json:"pipeline"`
	Application  string         `json:"application"`
	Version      string         `json:"version"`
	State        State          `json:"state"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Stages       []StageOutcome `json:"stages,omitempty"`
}

// StageOutcome is the durable record of one stage within a run.
type StageOutcome struct {
	RunID        string     `json:"-"`
	Name         string     `json:"name"`
	State        StageState `json:"state"`
	CommitSHA    *string    `json:"commit_sha,omitempty"`
	LastSync     *string    `json:"last_sync,omitempty"`
	LastHealth   *string    `json:"last_health,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// New creates a run in the pending state with one pending outcome per
// stage.
func New(pipeline, application, version string, stageNames []string) *Run {
	id := uuid.NewString()

	stages := make([]StageOutcome, len(stageNames))
	for i, name := range stageNames {
		stages[i] = StageOutcome{
			RunID: id,
			Name:  name,
			State: StagePending,
		}
	}

	return &Run{
		ID:          id,
		Pipeline:    pipeline,
		Application: application,
		Version:     version,
		State:       StatePending,
		StartedAt:   time.Now().UTC(),
		Stages:      stages,
	}
}
