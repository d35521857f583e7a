package agent

import "errors"

var (
	// ErrAgentUnreachable indicates a network-level failure talking to the
	// delivery agent. Retried with backoff inside the client before being
	// surfaced.
	ErrAgentUnreachable = errors.New("delivery agent unreachable")

	// ErrAgentUnauthorized indicates an expired or invalid credential.
	// Never retried without a credential refresh.
	ErrAgentUnauthorized = errors.New("delivery agent rejected credential")

	// ErrApplicationNotFound indicates the agent does not manage the named
	// application. A configuration error, not retriable.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrRollbackUnavailable indicates the agent has no retained history
	// for the requested version.
	ErrRollbackUnavailable = errors.New("rollback unavailable for requested version")
)
