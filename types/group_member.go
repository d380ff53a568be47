package types

import (
	"context"
	"time"
)

// RebalanceListener receives assignment callbacks from the group
// membership transport.
//
// Both callbacks fire synchronously from inside GroupMember.Join or
// GroupMember.Poll, on the caller's goroutine. OnRevoked always completes
// before OnAssigned for the same rebalance round, so a worker never holds
// two generations of the same work at once.
type RebalanceListener interface {
	// OnRevoked is called with the connectors and tasks this worker must
	// stop before the new assignment applies.
	OnRevoked(leader string, connectors []string, tasks []TaskID)

	// OnAssigned is called with the worker's new assignment for the
	// completed rebalance round.
	OnAssigned(assignment *ExtendedAssignment, generation int)
}

// GroupMember is the group membership transport: join/leave, heartbeats
// and leader election live behind this interface.
//
// The herder is the only caller and invokes every method from its single
// coordination goroutine, except Wakeup which is safe from any goroutine.
type GroupMember interface {
	// MemberID returns this worker's member ID, empty before first join.
	MemberID() string

	// OwnerURL returns the advertised URL of the worker that owns the
	// given connector or task ID, or "" when unknown.
	OwnerURL(id string) string

	// ProtocolVersion returns the rebalance protocol version negotiated
	// with the group.
	ProtocolVersion() ProtocolVersion

	// Join blocks until the initial group handshake completes. Rebalance
	// callbacks fire synchronously from inside this call.
	Join(ctx context.Context) error

	// Poll blocks for up to timeout waiting for group activity. Rebalance
	// callbacks and wakeups surface from inside this call.
	Poll(ctx context.Context, timeout time.Duration) error

	// Wakeup interrupts a concurrent Poll. Safe to call from any
	// goroutine.
	Wakeup()

	// EnsureActive makes sure this member participates in the group,
	// rejoining if a rejoin was requested.
	EnsureActive(ctx context.Context) error

	// RequestRejoin flags the member to rejoin the group on its next
	// ensure/poll cycle.
	RequestRejoin(reason string)

	// MaybeLeaveGroup leaves the group if currently joined, forcing a
	// fresh rebalance. The reason is recorded for logs.
	MaybeLeaveGroup(ctx context.Context, reason string) error

	// RevokeAssignment surrenders the given assignment back to the group
	// so another worker may claim it.
	RevokeAssignment(ctx context.Context, assignment *ExtendedAssignment) error

	// Stop leaves the group and releases transport resources.
	Stop(ctx context.Context) error
}
