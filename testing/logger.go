package testing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/herdlib/herd/types"
)

// NewTestLogger returns a types.Logger that routes output through t.Log,
// so log lines interleave with the test's own output and only show up
// for failing tests (or under -v). Fatal maps to t.Fatalf.
func NewTestLogger(t *testing.T) types.Logger {
	return &testLogger{t: t}
}

type testLogger struct {
	t *testing.T
}

var _ types.Logger = (*testLogger)(nil)

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Log(formatLine("DEBUG", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Log(formatLine("INFO", msg, keysAndValues))
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Log(formatLine("WARN", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Log(formatLine("ERROR", msg, keysAndValues))
}

func (l *testLogger) Fatal(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Fatal(formatLine("FATAL", msg, keysAndValues))
}

// formatLine renders "LEVEL: msg k=v k=v"; a trailing unpaired key is
// printed bare.
func formatLine(level, msg string, keysAndValues []any) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(": ")
	b.WriteString(msg)

	i := 0
	for ; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	if i < len(keysAndValues) {
		fmt.Fprintf(&b, " %v", keysAndValues[i])
	}

	return b.String()
}
