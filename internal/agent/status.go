package agent

import "time"

// SyncState is the delivery agent's report of how the declared manifest
// state compares to the running state.
type SyncState string

const (
	SyncUnknown   SyncState = "unknown"
	SyncSyncing   SyncState = "syncing"
	SyncSynced    SyncState = "synced"
	SyncOutOfSync SyncState = "out-of-sync"
	SyncError     SyncState = "error"
)

// HealthState is the delivery agent's report of the running workload's
// health, independent of sync progress.
type HealthState string

const (
	HealthUnknown     HealthState = "unknown"
	HealthProgressing HealthState = "progressing"
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthMissing     HealthState = "missing"
)

// ConvergenceObservation is a single point-in-time status reading for an
// application. A sequence of observations belongs to one sync request.
type ConvergenceObservation struct {
	Sync       SyncState   `json:"sync"`
	Health     HealthState `json:"health"`
	Revision   string      `json:"revision,omitempty"`
	Message    string      `json:"message,omitempty"`
	ObservedAt time.Time   `json:"observed_at"`
}

// Converged reports whether this single observation satisfies the
// convergence condition: synced and healthy must hold in the same reading.
// A transient synced-but-degraded observation does not qualify.
func (o *ConvergenceObservation) Converged() bool {
	return o.Sync == SyncSynced && o.Health == HealthHealthy
}

// Failing reports whether this observation indicates the rollout is going
// backwards rather than forwards.
func (o *ConvergenceObservation) Failing() bool {
	return o.Sync == SyncError || o.Health == HealthDegraded
}

// SyncRequest records a single sync trigger sent to the delivery agent.
// It is ephemeral and not persisted beyond the run that issued it.
type SyncRequest struct {
	Application string    `json:"application"`
	Token       string    `json:"token,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// normalizeSyncState maps arbitrary agent-reported strings onto the known
// enum, defaulting to unknown.
func normalizeSyncState(s string) SyncState {
	switch SyncState(s) {
	case SyncSyncing, SyncSynced, SyncOutOfSync, SyncError:
		return SyncState(s)
	default:
		return SyncUnknown
	}
}

func normalizeHealthState(s string) HealthState {
	switch HealthState(s) {
	case HealthProgressing, HealthHealthy, HealthDegraded, HealthMissing:
		return HealthState(s)
	default:
		return HealthUnknown
	}
}
