package types

import "slices"

// ClusterConfigState is an immutable snapshot of the shared configuration
// log as of a particular offset.
//
// Snapshots observed by a single worker have monotonically non-decreasing
// offsets. An assignment stamped with offset N is resolvable only once the
// worker's last-read snapshot offset is >= N.
type ClusterConfigState struct {
	// Offset is the configuration log offset this snapshot reflects.
	Offset int64

	// SessionKey is the current inter-worker session key, zero if none
	// has been published yet.
	SessionKey SessionKey

	// ConnectorTaskCounts maps connector name to its committed task count.
	ConnectorTaskCounts map[string]int

	// ConnectorConfigs maps connector name to its configuration.
	ConnectorConfigs map[string]map[string]string

	// TargetStates maps connector name to its desired lifecycle state.
	// Connectors absent from the map default to TargetStarted.
	TargetStates map[string]TargetState

	// TaskConfigs maps task ID to the task's configuration.
	TaskConfigs map[TaskID]map[string]string

	// Inconsistent holds connectors whose task configs are mid
	// reconfiguration: connector config written but task configs not yet
	// committed. Work for these connectors must not be started.
	Inconsistent map[string]struct{}
}

// Contains reports whether the snapshot knows the named connector.
func (s ClusterConfigState) Contains(connector string) bool {
	_, ok := s.ConnectorConfigs[connector]
	return ok
}

// Connectors returns the sorted list of connector names in the snapshot.
func (s ClusterConfigState) Connectors() []string {
	names := make([]string, 0, len(s.ConnectorConfigs))
	for name := range s.ConnectorConfigs {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Tasks returns the task IDs of the named connector, ordered by task
// number, derived from the committed task count.
func (s ClusterConfigState) Tasks(connector string) []TaskID {
	count := s.ConnectorTaskCounts[connector]
	ids := make([]TaskID, 0, count)
	for i := range count {
		ids = append(ids, TaskID{Connector: connector, Task: i})
	}

	return ids
}

// AllTasks returns every task ID in the snapshot, ordered by connector
// then task number.
func (s ClusterConfigState) AllTasks() []TaskID {
	var ids []TaskID
	for _, connector := range s.Connectors() {
		ids = append(ids, s.Tasks(connector)...)
	}

	return ids
}

// TargetState returns the desired state of the named connector,
// defaulting to TargetStarted when none has been recorded.
func (s ClusterConfigState) TargetState(connector string) TargetState {
	if st, ok := s.TargetStates[connector]; ok {
		return st
	}

	return TargetStarted
}

// IsInconsistent reports whether the connector's task configs are mid
// reconfiguration.
func (s ClusterConfigState) IsInconsistent(connector string) bool {
	_, ok := s.Inconsistent[connector]
	return ok
}
