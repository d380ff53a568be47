package types

import "context"

// Hooks defines callbacks for herder lifecycle events.
//
// All hooks are optional. They are invoked from the herder's coordination
// goroutine, so implementations must return quickly; anything slow should
// hand off to another goroutine. Hook errors are logged, never fatal.
type Hooks struct {
	// OnAssignmentChanged is called after a rebalance completes with the
	// connectors and tasks added to and removed from this worker.
	OnAssignmentChanged func(ctx context.Context, addedConnectors, removedConnectors []string, addedTasks, removedTasks []TaskID) error

	// OnConnectorRestarted is called for each connector instance
	// restarted by a restart request.
	OnConnectorRestarted func(ctx context.Context, connector string) error

	// OnTaskRestarted is called for each task restarted by a restart
	// request.
	OnTaskRestarted func(ctx context.Context, id TaskID) error

	// OnError is called when a recoverable error occurs inside the tick
	// cycle.
	OnError func(ctx context.Context, err error) error
}
