package logging

import "github.com/herdlib/herd/types"

// NopLogger discards all log output.
//
// Used as the default when no logger is provided, eliminating nil checks
// throughout the codebase.
type NopLogger struct{}

// Compile-time assertion that NopLogger implements Logger.
var _ types.Logger = (*NopLogger)(nil)

// NewNop creates a new no-op logger.
func NewNop() *NopLogger {
	return &NopLogger{}
}

// Debug discards the message.
func (*NopLogger) Debug(_ string, _ ...any) {}

// Info discards the message.
func (*NopLogger) Info(_ string, _ ...any) {}

// Warn discards the message.
func (*NopLogger) Warn(_ string, _ ...any) {}

// Error discards the message.
func (*NopLogger) Error(_ string, _ ...any) {}

// Fatal discards the message without exiting; a silent logger must not
// terminate the process.
func (*NopLogger) Fatal(_ string, _ ...any) {}
