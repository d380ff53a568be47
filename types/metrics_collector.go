package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from the herder's goroutines and must be
// thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better
// modularity.
type MetricsCollector interface {
	HerderMetrics
	RebalanceMetrics
	CatchUpMetrics
	SessionKeyMetrics
}

// HerderMetrics covers the tick cycle and request processing.
type HerderMetrics interface {
	// RecordTickDuration records one full tick cycle duration in seconds.
	RecordTickDuration(seconds float64)

	// RecordRequestQueueDepth sets the current depth of the request queue.
	RecordRequestQueueDepth(depth int)

	// RecordRestart records a restart executed for a connector, with the
	// number of tasks restarted alongside it.
	RecordRestart(connector string, tasks int)
}

// RebalanceMetrics covers assignment application.
type RebalanceMetrics interface {
	// RecordRebalanceCompleted records a completed rebalance round with
	// its duration in seconds and whether it carried an error outcome.
	RecordRebalanceCompleted(seconds float64, failed bool)

	// RecordAssignmentChange records ownership deltas for this worker.
	RecordAssignmentChange(addedConnectors, removedConnectors, addedTasks, removedTasks int)
}

// CatchUpMetrics covers post-rebalance configuration catch-up.
type CatchUpMetrics interface {
	// RecordCatchUpResult records a catch-up attempt outcome.
	RecordCatchUpResult(success bool)

	// RecordAssignmentRevoked records the leader surrendering its
	// assignment after exhausting catch-up retries.
	RecordAssignmentRevoked()
}

// SessionKeyMetrics covers inter-worker key lifecycle.
type SessionKeyMetrics interface {
	// RecordSessionKeyRotation records a successful key mint-and-publish.
	RecordSessionKeyRotation()
}
