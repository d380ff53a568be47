package types

import "time"

// ProtocolVersion selects the rebalance protocol semantics a worker
// understands.
type ProtocolVersion int16

const (
	// ProtocolEager (V0) stops all owned work on every rebalance; the
	// assignment payload carries only the new grant and never a revoked
	// set.
	ProtocolEager ProtocolVersion = 0

	// ProtocolCoopV1 (V1) is incremental cooperative: assignments carry
	// explicit revoked sets and may schedule a delayed rejoin.
	ProtocolCoopV1 ProtocolVersion = 1

	// ProtocolCoopV2 (V2) extends V1 with mandatory request signing for
	// inter-worker task-config writes.
	ProtocolCoopV2 ProtocolVersion = 2
)

// String returns the protocol's wire name.
func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolEager:
		return "eager"
	case ProtocolCoopV1:
		return "cooperative-v1"
	case ProtocolCoopV2:
		return "cooperative-v2"
	default:
		return "unknown"
	}
}

// Cooperative reports whether the version uses incremental cooperative
// rebalancing.
func (v ProtocolVersion) Cooperative() bool {
	return v >= ProtocolCoopV1
}

// RequiresSignatures reports whether task-config writes must carry a
// request signature under this protocol version.
func (v ProtocolVersion) RequiresSignatures() bool {
	return v >= ProtocolCoopV2
}

// AssignmentError is the error outcome carried in an assignment payload.
type AssignmentError int16

const (
	// AssignmentNoError means the assignment is usable as-is.
	AssignmentNoError AssignmentError = 0

	// AssignmentConfigMismatch means the leader computed the assignment
	// before its configuration view caught up with the log. Workers treat
	// the round as failed and rejoin.
	AssignmentConfigMismatch AssignmentError = 1
)

// ExtendedAssignment is the per-worker outcome of a group rebalance.
//
// Invariants:
//   - Under ProtocolEager the revoked sets are always empty; the
//     transport stops all owned work before delivering the assignment.
//   - Under cooperative versions the assigned and revoked sets are
//     disjoint.
type ExtendedAssignment struct {
	// Version is the protocol version the leader serialized.
	Version ProtocolVersion `json:"version"`

	// Error is the assignment outcome, AssignmentNoError on success.
	Error AssignmentError `json:"error"`

	// Leader is the member ID of the worker that computed assignments.
	Leader string `json:"leader"`

	// LeaderURL is the advertised URL of the leader.
	LeaderURL string `json:"leaderUrl"`

	// Offset is the configuration log offset the leader assigned from.
	Offset int64 `json:"offset"`

	// Connectors are the connector names granted to this worker.
	Connectors []string `json:"assignedConnectors"`

	// Tasks are the task IDs granted to this worker.
	Tasks []TaskID `json:"assignedTasks"`

	// RevokedConnectors are connectors this worker must stop (cooperative
	// versions only).
	RevokedConnectors []string `json:"revokedConnectors,omitempty"`

	// RevokedTasks are tasks this worker must stop (cooperative versions
	// only).
	RevokedTasks []TaskID `json:"revokedTasks,omitempty"`

	// Delay is a non-zero duration when the leader intentionally
	// under-assigned work, suspecting a transient departure; the worker
	// must rejoin once the delay elapses.
	Delay time.Duration `json:"delayMs"`
}

// Failed reports whether the assignment carries an error outcome.
func (a *ExtendedAssignment) Failed() bool {
	return a.Error != AssignmentNoError
}

// Empty reports whether the assignment grants and revokes nothing.
func (a *ExtendedAssignment) Empty() bool {
	return len(a.Connectors) == 0 && len(a.Tasks) == 0 &&
		len(a.RevokedConnectors) == 0 && len(a.RevokedTasks) == 0
}
