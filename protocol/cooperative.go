package protocol

import (
	"errors"
	"sort"
	"time"

	"github.com/herdlib/herd/internal/hash"
	"github.com/herdlib/herd/types"
)

const defaultVirtualNodes = 128

// Cooperative implements the incremental cooperative assignor (versions
// 1 and 2).
//
// Placement uses a consistent hash ring over the member set, which keeps
// work sticky: a membership change moves only the work hashed to the
// changed members. A moving item is only revoked from its current owner
// in the round that moves it, never granted to the new owner in that
// same round: the revoking member rejoins once it has stopped the work,
// and the follow-up round places the item. No two workers ever hold the
// same item, at the price of one extra round per migration.
//
// When members disappear, the assignor holds their work unassigned for a
// bounded delay window instead of redistributing immediately, so a
// bouncing worker gets its old work back without churn. Assignments
// issued during the window carry the remaining delay; workers rejoin
// when it elapses.
//
// Stateful: tracks previous membership and ownership across rounds. Use
// one instance per leader lifetime. Not safe for concurrent use.
type Cooperative struct {
	version      types.ProtocolVersion
	virtualNodes int
	seed         uint64
	maxDelay     time.Duration
	now          func() time.Time

	prevMembers map[string]struct{}
	delayUntil  time.Time
	lostMembers map[string]struct{}

	// connectorOwners / taskOwners record placement from the previous
	// round, keyed by work ID.
	connectorOwners map[string]string
	taskOwners      map[types.TaskID]string
}

var _ Assignor = (*Cooperative)(nil)

// CooperativeOption configures a Cooperative assignor.
type CooperativeOption func(*Cooperative)

// WithVirtualNodes sets the virtual nodes per member on the hash ring.
// Higher counts give better distribution at the cost of ring size.
func WithVirtualNodes(nodes int) CooperativeOption {
	return func(c *Cooperative) {
		if nodes > 0 {
			c.virtualNodes = nodes
		}
	}
}

// WithHashSeed sets the ring's hash seed (0 means unseeded). Useful for
// deterministic placements in tests.
func WithHashSeed(seed uint64) CooperativeOption {
	return func(c *Cooperative) {
		c.seed = seed
	}
}

// WithClock overrides the time source for the delay window.
func WithClock(now func() time.Time) CooperativeOption {
	return func(c *Cooperative) {
		c.now = now
	}
}

// NewCooperative creates an incremental cooperative assignor.
//
// Parameters:
//   - version: types.ProtocolCoopV1 or types.ProtocolCoopV2
//   - maxDelay: Scheduled rebalance delay for suspected transient
//     departures (0 disables delaying)
//   - opts: Optional tuning
//
// Returns:
//   - *Cooperative: Initialized assignor
func NewCooperative(version types.ProtocolVersion, maxDelay time.Duration, opts ...CooperativeOption) *Cooperative {
	c := &Cooperative{
		version:         version,
		virtualNodes:    defaultVirtualNodes,
		maxDelay:        maxDelay,
		now:             time.Now,
		prevMembers:     make(map[string]struct{}),
		lostMembers:     make(map[string]struct{}),
		connectorOwners: make(map[string]string),
		taskOwners:      make(map[types.TaskID]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Assign computes sticky incremental assignments for one round.
//
// Parameters:
//   - input: Leader identity, config snapshot and joined members
//
// Returns:
//   - map[string]*types.ExtendedAssignment: One assignment per member ID
//   - error: No members available
func (c *Cooperative) Assign(input AssignmentInput) (map[string]*types.ExtendedAssignment, error) {
	if len(input.Members) == 0 {
		return nil, errors.New("no members available for assignment")
	}

	now := c.now()
	memberIDs := make([]string, 0, len(input.Members))
	current := make(map[string]struct{}, len(input.Members))
	for _, m := range input.Members {
		memberIDs = append(memberIDs, m.ID)
		current[m.ID] = struct{}{}
	}
	sort.Strings(memberIDs)

	c.updateDelayWindow(now, current)
	delay := c.remainingDelay(now)

	ring := hash.NewRing(memberIDs, c.virtualNodes, c.seed)

	assignments := make(map[string]*types.ExtendedAssignment, len(memberIDs))
	for _, id := range memberIDs {
		assignments[id] = &types.ExtendedAssignment{
			Version:   c.version,
			Leader:    input.LeaderID,
			LeaderURL: input.LeaderURL,
			Offset:    input.Offset,
			Delay:     delay,
		}
	}

	// Ownership reported by the members this round. Work owned by
	// departed members is absent here and falls back to the recorded
	// previous placement for the delay decision.
	reportedConnectorOwner := make(map[string]string)
	reportedTaskOwner := make(map[types.TaskID]string)
	for _, m := range input.Members {
		for _, connector := range m.Connectors {
			reportedConnectorOwner[connector] = m.ID
		}
		for _, id := range m.Tasks {
			reportedTaskOwner[id] = m.ID
		}
	}

	newConnectorOwners := make(map[string]string)
	for _, connector := range input.State.Connectors() {
		target := ring.GetNode(connector)

		if delay > 0 && c.heldBack(reportedConnectorOwner[connector], c.connectorOwners[connector], current) {
			continue
		}

		// A moving item is only revoked this round. Its old owner stops
		// it, rejoins, and the follow-up round grants it to the target,
		// so both workers never run it at once.
		if prev, ok := reportedConnectorOwner[connector]; ok && prev != target {
			assignments[prev].RevokedConnectors = append(assignments[prev].RevokedConnectors, connector)
			continue
		}

		newConnectorOwners[connector] = target
		assignments[target].Connectors = append(assignments[target].Connectors, connector)
	}

	newTaskOwners := make(map[types.TaskID]string)
	for _, id := range input.State.AllTasks() {
		target := ring.GetNode(id.String())

		if delay > 0 && c.heldBack(reportedTaskOwner[id], c.taskOwners[id], current) {
			continue
		}

		if prev, ok := reportedTaskOwner[id]; ok && prev != target {
			assignments[prev].RevokedTasks = append(assignments[prev].RevokedTasks, id)
			continue
		}

		newTaskOwners[id] = target
		assignments[target].Tasks = append(assignments[target].Tasks, id)
	}

	c.prevMembers = current
	c.connectorOwners = newConnectorOwners
	c.taskOwners = newTaskOwners

	return assignments, nil
}

// updateDelayWindow opens a delay window when members disappear and
// closes it when it expires or every lost member returned.
func (c *Cooperative) updateDelayWindow(now time.Time, current map[string]struct{}) {
	if c.maxDelay <= 0 {
		return
	}

	for id := range c.prevMembers {
		if _, ok := current[id]; !ok {
			c.lostMembers[id] = struct{}{}
			if c.delayUntil.IsZero() || now.After(c.delayUntil) {
				c.delayUntil = now.Add(c.maxDelay)
			}
		}
	}

	for id := range c.lostMembers {
		if _, ok := current[id]; ok {
			delete(c.lostMembers, id)
		}
	}

	if len(c.lostMembers) == 0 || now.After(c.delayUntil) {
		c.lostMembers = make(map[string]struct{})
		c.delayUntil = time.Time{}
	}
}

func (c *Cooperative) remainingDelay(now time.Time) time.Duration {
	if c.delayUntil.IsZero() {
		return 0
	}

	remaining := c.delayUntil.Sub(now)
	if remaining < 0 {
		return 0
	}

	return remaining
}

// heldBack reports whether a piece of work should stay unassigned during
// the delay window: nobody present reported owning it, and its previous
// owner is gone, so it is presumed parked with a bouncing member.
func (c *Cooperative) heldBack(reportedOwner, previousOwner string, current map[string]struct{}) bool {
	if reportedOwner != "" {
		return false
	}
	if previousOwner == "" {
		// Brand-new work is assigned immediately.
		return false
	}

	_, stillPresent := current[previousOwner]

	return !stillPresent
}
