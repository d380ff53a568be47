package herd

import "github.com/herdlib/herd/types"

// Sentinel errors returned by the Herder, re-exported from the types
// package so callers can errors.Is against herd.Err* directly.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrGroupMemberRequired is returned when the group member is nil.
	ErrGroupMemberRequired = types.ErrGroupMemberRequired

	// ErrConfigStoreRequired is returned when the config store is nil.
	ErrConfigStoreRequired = types.ErrConfigStoreRequired

	// ErrExecutorRequired is returned when the executor is nil.
	ErrExecutorRequired = types.ErrExecutorRequired

	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when operations require a running herder.
	ErrNotStarted = types.ErrNotStarted

	// ErrShuttingDown is returned for requests enqueued during shutdown.
	ErrShuttingDown = types.ErrShuttingDown

	// ErrRebalanceNeeded indicates the operation raced a rebalance and
	// should be retried after the next round completes.
	ErrRebalanceNeeded = types.ErrRebalanceNeeded

	// ErrPossiblyStaleKey indicates a forbidden-signature rejection that
	// plausibly stems from a not-yet-replicated session key.
	ErrPossiblyStaleKey = types.ErrPossiblyStaleKey
)

// Typed API errors carrying caller-actionable context.
type (
	// NotLeaderError is returned for operations that must run on the leader.
	NotLeaderError = types.NotLeaderError

	// NotAssignedError is returned for operations on work owned by
	// another worker; callers re-issue to ForwardURL.
	NotAssignedError = types.NotAssignedError

	// NotFoundError is returned for unknown connectors, tasks or restart
	// targets.
	NotFoundError = types.NotFoundError

	// AlreadyExistsError is returned when creating a connector whose
	// name is taken.
	AlreadyExistsError = types.AlreadyExistsError

	// BadRequestError is returned for malformed configs and bad
	// signatures.
	BadRequestError = types.BadRequestError
)
