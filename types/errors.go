package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the herd library.
//
// Components use these for known error conditions and wrap external
// errors with context using fmt.Errorf("...: %w", err). Errors that need
// to carry data (forward URLs, names) are typed below and support
// errors.As.

// Herder errors - public API errors returned by the Herder.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrGroupMemberRequired is returned when the group member is nil.
	ErrGroupMemberRequired = errors.New("group member is required")

	// ErrConfigStoreRequired is returned when the config store is nil.
	ErrConfigStoreRequired = errors.New("config store is required")

	// ErrExecutorRequired is returned when the executor is nil.
	ErrExecutorRequired = errors.New("executor is required")

	// ErrAlreadyStarted is returned when Run is called on an already
	// running herder.
	ErrAlreadyStarted = errors.New("herder already started")

	// ErrNotStarted is returned when operations require a running herder.
	ErrNotStarted = errors.New("herder not started")

	// ErrShuttingDown is returned for requests enqueued during shutdown.
	ErrShuttingDown = errors.New("herder shutting down")
)

// Rebalance errors - assignment application and catch-up.
var (
	// ErrRebalanceNeeded indicates the operation raced a rebalance and
	// should be retried after the next round completes.
	ErrRebalanceNeeded = errors.New("rebalance in progress")

	// ErrPossiblyStaleKey indicates a forbidden-signature rejection that
	// plausibly stems from a not-yet-replicated session key; callers
	// should retry instead of failing hard.
	ErrPossiblyStaleKey = errors.New("request rejected, session key possibly stale")
)

// NotLeaderError is returned for operations that must run on the leader.
type NotLeaderError struct {
	// LeaderURL is the advertised URL of the current leader, empty when
	// unknown.
	LeaderURL string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderURL == "" {
		return "operation requires the leader (leader unknown)"
	}

	return fmt.Sprintf("operation requires the leader at %s", e.LeaderURL)
}

// NotAssignedError is returned for operations on work owned by another
// worker. Callers must re-issue the request to ForwardURL.
type NotAssignedError struct {
	// ID is the connector or task the operation addressed.
	ID string

	// ForwardURL is the advertised URL of the owning worker.
	ForwardURL string
}

func (e *NotAssignedError) Error() string {
	return fmt.Sprintf("%s is not assigned to this worker, forward to %s", e.ID, e.ForwardURL)
}

// NotFoundError is returned for unknown connectors, tasks or restart
// targets.
type NotFoundError struct {
	// ID names the missing entity.
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.ID)
}

// AlreadyExistsError is returned when creating a connector whose name is
// already present.
type AlreadyExistsError struct {
	// ID names the conflicting entity.
	ID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists", e.ID)
}

// BadRequestError is returned for malformed configs and missing or
// invalid request signatures.
type BadRequestError struct {
	// Reason describes what was wrong with the request.
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s", e.Reason)
}
