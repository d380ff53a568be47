package herd

import (
	"sort"
	"sync"

	"github.com/herdlib/herd/types"
)

// restartCoalescer accumulates pending restart requests per connector.
//
// Multiple requests for the same connector collapse into the one with
// the broadest impact: a request superseding the pending one (strictly
// larger impact rank) replaces it, anything else is absorbed. Writes
// arrive from config-store watch callbacks; the coordination goroutine
// drains the set each tick.
type restartCoalescer struct {
	mu      sync.Mutex
	pending map[string]types.RestartRequest
}

func newRestartCoalescer() *restartCoalescer {
	return &restartCoalescer{
		pending: make(map[string]types.RestartRequest),
	}
}

// offer records a restart request, keeping only the broadest pending
// request per connector.
//
// Returns:
//   - bool: true when the request was recorded (new or superseding),
//     false when an equal-or-broader request was already pending
func (c *restartCoalescer) offer(req types.RestartRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.pending[req.ConnectorName]
	if ok && !req.Supersedes(cur) {
		return false
	}

	c.pending[req.ConnectorName] = req

	return true
}

// drain removes and returns all pending requests, ordered by connector
// name for deterministic processing.
func (c *restartCoalescer) drain() []types.RestartRequest {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]types.RestartRequest)
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	reqs := make([]types.RestartRequest, 0, len(pending))
	for _, req := range pending {
		reqs = append(reqs, req)
	}

	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].ConnectorName < reqs[j].ConnectorName
	})

	return reqs
}

// size reports the number of connectors with a pending restart.
func (c *restartCoalescer) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// defaultRestartPlanner implements the stock restart policy:
//
//   - OnlyFailed=false restarts the connector object and, when
//     IncludeTasks is set, every task of the connector.
//   - OnlyFailed=true restarts only instances currently reported
//     failed, again gated by IncludeTasks for the task set.
type defaultRestartPlanner struct{}

func (defaultRestartPlanner) Plan(
	req types.RestartRequest,
	state *types.ClusterConfigState,
	connectorFailed bool,
	failedTasks []types.TaskID,
) types.RestartPlan {
	plan := types.RestartPlan{Request: req}

	if !state.Contains(req.ConnectorName) {
		return plan
	}

	if req.OnlyFailed {
		plan.RestartConnector = connectorFailed
		if req.IncludeTasks {
			for _, id := range failedTasks {
				if id.Connector == req.ConnectorName {
					plan.TasksToRestart = append(plan.TasksToRestart, id)
				}
			}
		}
	} else {
		plan.RestartConnector = true
		if req.IncludeTasks {
			plan.TasksToRestart = state.Tasks(req.ConnectorName)
		}
	}

	sort.Slice(plan.TasksToRestart, func(i, j int) bool {
		return plan.TasksToRestart[i].Compare(plan.TasksToRestart[j]) < 0
	})

	return plan
}
