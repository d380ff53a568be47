package herd

import "github.com/herdlib/herd/types"

// Re-export types from the types package.
//
// This file provides a stable public API for the library's core types and
// interfaces using type aliases. Internal packages depend on the types
// subpackage directly, avoiding import cycles, while users get the
// convenient herd.TaskID, herd.Logger, etc.
type (
	TaskID             = types.TaskID
	TargetState        = types.TargetState
	SessionKey         = types.SessionKey
	RestartRequest     = types.RestartRequest
	RestartPlan        = types.RestartPlan
	ClusterConfigState = types.ClusterConfigState
	ExtendedAssignment = types.ExtendedAssignment
	ProtocolVersion    = types.ProtocolVersion
	AssignmentError    = types.AssignmentError
	ConnectorInfo      = types.ConnectorInfo
	TaskInfo           = types.TaskInfo
)

// Re-export the external-collaborator interfaces.
type (
	GroupMember       = types.GroupMember
	ConfigStore       = types.ConfigStore
	Executor          = types.Executor
	UpdateListener    = types.UpdateListener
	RebalanceListener = types.RebalanceListener
	MetricsCollector  = types.MetricsCollector
	Logger            = types.Logger
	Hooks             = types.Hooks
)

// Re-export protocol constants.
const (
	TargetStarted = types.TargetStarted
	TargetPaused  = types.TargetPaused

	ProtocolEager  = types.ProtocolEager
	ProtocolCoopV1 = types.ProtocolCoopV1
	ProtocolCoopV2 = types.ProtocolCoopV2

	AssignmentNoError        = types.AssignmentNoError
	AssignmentConfigMismatch = types.AssignmentConfigMismatch
)
