package types

import "context"

// Executor is the job execution runtime that actually starts and stops
// connector and task processes.
//
// Start/stop calls may be slow; the herder invokes them from a bounded
// worker pool, never from its coordination goroutine, except during
// shutdown where stop-and-await semantics are required.
type Executor interface {
	// StartConnector starts the named connector with the given config at
	// the given initial target state.
	StartConnector(ctx context.Context, connector string, config map[string]string, state TargetState) error

	// StartTask starts the given task with its config at the given
	// initial target state.
	StartTask(ctx context.Context, id TaskID, config map[string]string, state TargetState) error

	// StopAndAwaitConnector stops the named connector and blocks until
	// it has fully stopped.
	StopAndAwaitConnector(connector string)

	// StopAndAwaitConnectors stops the named connectors, blocking until
	// all have stopped.
	StopAndAwaitConnectors(connectors []string)

	// StopAndAwaitTasks stops the given tasks, blocking until all have
	// stopped.
	StopAndAwaitTasks(ids []TaskID)

	// SetTargetState transitions the named connector, and any of its
	// tasks running on this worker, to the given state.
	SetTargetState(connector string, state TargetState)

	// IsRunning reports whether the named connector is running on this
	// worker.
	IsRunning(connector string) bool

	// ConnectorNames returns the connectors currently running on this
	// worker.
	ConnectorNames() []string

	// TaskIDs returns the tasks currently running on this worker.
	TaskIDs() []TaskID

	// ConnectorTaskConfigs asks the running connector to generate its
	// current task configs, used by the owner to reconfigure tasks.
	ConnectorTaskConfigs(ctx context.Context, connector string, config map[string]string) ([]map[string]string, error)

	// FlushStatuses flushes any buffered status writes so readers never
	// observe a zombie owner after a revocation.
	FlushStatuses(ctx context.Context) error
}
