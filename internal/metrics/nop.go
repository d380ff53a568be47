package metrics

import "github.com/herdlib/herd/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external metrics
// collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// HerderMetrics implementation

// RecordTickDuration discards the tick duration metric.
func (*NopMetrics) RecordTickDuration(_ /* seconds */ float64) {
	// No-op
}

// RecordRequestQueueDepth discards the queue depth metric.
func (*NopMetrics) RecordRequestQueueDepth(_ /* depth */ int) {
	// No-op
}

// RecordRestart discards the restart metric.
func (*NopMetrics) RecordRestart(_ /* connector */ string, _ /* tasks */ int) {
	// No-op
}

// RebalanceMetrics implementation

// RecordRebalanceCompleted discards the rebalance completion metric.
func (*NopMetrics) RecordRebalanceCompleted(_ /* seconds */ float64, _ /* failed */ bool) {
	// No-op
}

// RecordAssignmentChange discards the assignment change metric.
func (*NopMetrics) RecordAssignmentChange(_, _, _, _ int) {
	// No-op
}

// CatchUpMetrics implementation

// RecordCatchUpResult discards the catch-up result metric.
func (*NopMetrics) RecordCatchUpResult(_ /* success */ bool) {
	// No-op
}

// RecordAssignmentRevoked discards the assignment revoked metric.
func (*NopMetrics) RecordAssignmentRevoked() {
	// No-op
}

// SessionKeyMetrics implementation

// RecordSessionKeyRotation discards the key rotation metric.
func (*NopMetrics) RecordSessionKeyRotation() {
	// No-op
}
