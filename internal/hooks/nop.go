package hooks

import (
	"context"

	"github.com/herdlib/herd/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default used when no custom hooks are provided, eliminating
// nil checks throughout the codebase.
type NopHooks struct{}

// NewNop creates hooks with no-op implementations for every callback.
func NewNop() types.Hooks {
	h := &NopHooks{}

	return types.Hooks{
		OnAssignmentChanged:  h.OnAssignmentChanged,
		OnConnectorRestarted: h.OnConnectorRestarted,
		OnTaskRestarted:      h.OnTaskRestarted,
		OnError:              h.OnError,
	}
}

// OnAssignmentChanged is a no-op implementation.
func (*NopHooks) OnAssignmentChanged(_ context.Context, _, _ []string, _, _ []types.TaskID) error {
	return nil
}

// OnConnectorRestarted is a no-op implementation.
func (*NopHooks) OnConnectorRestarted(_ context.Context, _ string) error {
	return nil
}

// OnTaskRestarted is a no-op implementation.
func (*NopHooks) OnTaskRestarted(_ context.Context, _ types.TaskID) error {
	return nil
}

// OnError is a no-op implementation.
func (*NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
