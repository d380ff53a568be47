package types

// ConnectorInfo is the external view of one connector: its config, its
// current task set and its desired state.
type ConnectorInfo struct {
	Name        string            `json:"name"`
	Config      map[string]string `json:"config"`
	Tasks       []TaskID          `json:"tasks"`
	TargetState TargetState       `json:"targetState"`
}

// TaskInfo is the external view of one task.
type TaskInfo struct {
	ID     TaskID            `json:"id"`
	Config map[string]string `json:"config"`
}
