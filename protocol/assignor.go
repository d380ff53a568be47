// Package protocol implements the rebalance protocol payloads and the
// leader-side assignors.
//
// The wire format is versioned JSON. Version 0 (eager) stops all work on
// every rebalance and never carries revocations; versions 1 and 2
// (incremental cooperative) carry explicit revocation sets and may
// schedule a delayed rejoin when the leader suspects a transient
// departure.
package protocol

import (
	"github.com/herdlib/herd/types"
)

// Member describes one group member as seen by the leader when
// computing assignments.
type Member struct {
	// ID is the member's group member ID.
	ID string

	// URL is the member's advertised URL.
	URL string

	// Connectors are the connectors the member reported owning when it
	// joined this round.
	Connectors []string

	// Tasks are the tasks the member reported owning when it joined
	// this round.
	Tasks []types.TaskID
}

// AssignmentInput is everything the leader-side assignor needs for one
// rebalance round.
type AssignmentInput struct {
	// LeaderID is the member ID of the elected leader.
	LeaderID string

	// LeaderURL is the advertised URL of the elected leader.
	LeaderURL string

	// Offset is the config log offset the leader assigns from.
	Offset int64

	// State is the leader's config snapshot at Offset.
	State types.ClusterConfigState

	// Members are the joined members, including the leader.
	Members []Member
}

// Assignor computes per-member assignments for one rebalance round.
//
// Implementations are called only on the leader, from the coordination
// goroutine, and may keep state across rounds (previous ownership,
// scheduled delay windows).
type Assignor interface {
	// Assign returns one assignment per member ID. Every member in the
	// input receives an entry, possibly empty.
	Assign(input AssignmentInput) (map[string]*types.ExtendedAssignment, error)
}
