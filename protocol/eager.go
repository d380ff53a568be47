package protocol

import (
	"errors"
	"sort"

	"github.com/herdlib/herd/types"
)

// Eager implements the version 0 assignor: every round redistributes
// the full connector and task sets round-robin across the sorted member
// list. Members stop all owned work before the new assignment applies,
// so the payloads never carry revocations.
type Eager struct{}

var _ Assignor = (*Eager)(nil)

// NewEager creates an eager (version 0) assignor.
//
// The strategy distributes connectors and tasks evenly across members in
// a simple round-robin fashion. This provides predictable assignment but
// stops the world on every membership change.
//
// Returns:
//   - *Eager: Initialized eager assignor
func NewEager() *Eager {
	return &Eager{}
}

// Assign calculates assignments using round-robin distribution.
//
// The algorithm:
//  1. Sort members, connectors and tasks for deterministic assignment
//  2. Distribute connectors round-robin, then tasks round-robin
//
// Parameters:
//   - input: Leader identity, config snapshot and joined members
//
// Returns:
//   - map[string]*types.ExtendedAssignment: One assignment per member ID
//   - error: No members available
func (e *Eager) Assign(input AssignmentInput) (map[string]*types.ExtendedAssignment, error) {
	if len(input.Members) == 0 {
		return nil, errors.New("no members available for assignment")
	}

	memberIDs := make([]string, 0, len(input.Members))
	for _, m := range input.Members {
		memberIDs = append(memberIDs, m.ID)
	}
	sort.Strings(memberIDs)

	assignments := make(map[string]*types.ExtendedAssignment, len(memberIDs))
	for _, id := range memberIDs {
		assignments[id] = &types.ExtendedAssignment{
			Version:   types.ProtocolEager,
			Leader:    input.LeaderID,
			LeaderURL: input.LeaderURL,
			Offset:    input.Offset,
		}
	}

	for i, connector := range input.State.Connectors() {
		owner := assignments[memberIDs[i%len(memberIDs)]]
		owner.Connectors = append(owner.Connectors, connector)
	}

	for i, id := range input.State.AllTasks() {
		owner := assignments[memberIDs[i%len(memberIDs)]]
		owner.Tasks = append(owner.Tasks, id)
	}

	return assignments, nil
}
