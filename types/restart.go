package types

// RestartRequest asks for a connector, and optionally its tasks, to be
// restarted.
//
// Requests are buffered per connector and coalesced by impact: a pending
// request is replaced only by a strictly higher-impact incoming request,
// otherwise the incoming one is dropped. Impact ordering, highest first:
// IncludeTasks=true, then OnlyFailed=false, then everything else.
type RestartRequest struct {
	// ConnectorName is the connector to restart.
	ConnectorName string `json:"connector"`

	// OnlyFailed restricts the restart to instances currently in a
	// failed state.
	OnlyFailed bool `json:"onlyFailed"`

	// IncludeTasks restarts the connector's tasks as well as the
	// connector instance itself.
	IncludeTasks bool `json:"includeTasks"`
}

// ImpactRank returns a comparable impact score; higher means the request
// restarts strictly more than a lower-ranked one.
func (r RestartRequest) ImpactRank() int {
	rank := 0
	if r.IncludeTasks {
		rank += 2
	}
	if !r.OnlyFailed {
		rank++
	}

	return rank
}

// Supersedes reports whether r should replace a pending request prev for
// the same connector. Equal impact does not supersede.
func (r RestartRequest) Supersedes(prev RestartRequest) bool {
	return r.ImpactRank() > prev.ImpactRank()
}

// RestartPlan is the concrete set of instances a restart request resolves
// to, computed against current cluster status.
//
// An empty plan (unknown connector, nothing matching OnlyFailed) is a
// valid no-op.
type RestartPlan struct {
	// Request is the coalesced request the plan was computed for.
	Request RestartRequest

	// RestartConnector indicates the connector instance itself should
	// be restarted.
	RestartConnector bool

	// TasksToRestart lists the tasks to restart, cluster-wide. Each
	// worker acts only on the subset it currently owns.
	TasksToRestart []TaskID
}

// Empty reports whether the plan restarts nothing.
func (p RestartPlan) Empty() bool {
	return !p.RestartConnector && len(p.TasksToRestart) == 0
}
