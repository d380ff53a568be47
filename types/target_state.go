package types

// TargetState is the desired lifecycle state for a connector and its tasks.
//
// Target states are connector-scoped: pausing a connector pauses every one
// of its tasks, wherever those tasks happen to run. Task ownership is
// independent of connector ownership, so every worker applies target-state
// transitions to the tasks it owns even when another worker owns the
// connector itself.
type TargetState string

const (
	// TargetStarted means the connector and its tasks should be running.
	TargetStarted TargetState = "STARTED"

	// TargetPaused means the connector and its tasks should be paused
	// without losing their configuration or assignment.
	TargetPaused TargetState = "PAUSED"
)

// Valid reports whether s is a known target state.
func (s TargetState) Valid() bool {
	return s == TargetStarted || s == TargetPaused
}
