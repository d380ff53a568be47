package types

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskID identifies a single task of a connector.
//
// A task is the schedulable execution unit of a connector. Task numbers
// are dense and start at zero; the pair (Connector, Task) is unique
// cluster-wide.
type TaskID struct {
	// Connector is the owning connector name.
	Connector string `json:"connector"`

	// Task is the zero-based task number within the connector.
	Task int `json:"task"`
}

// NewTaskID creates a TaskID for the given connector and task number.
func NewTaskID(connector string, task int) TaskID {
	return TaskID{Connector: connector, Task: task}
}

// String returns the canonical "<connector>-<task>" form used in logs,
// store keys and wire payloads.
func (t TaskID) String() string {
	return fmt.Sprintf("%s-%d", t.Connector, t.Task)
}

// ParseTaskID parses the canonical "<connector>-<task>" form.
//
// The connector name may itself contain dashes; the task number is taken
// from the final dash-separated segment.
//
// Returns:
//   - TaskID: Parsed task ID
//   - error: Parse error if the string has no numeric suffix
func ParseTaskID(s string) (TaskID, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx <= 0 || idx == len(s)-1 {
		return TaskID{}, fmt.Errorf("malformed task id %q", s)
	}

	n, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return TaskID{}, fmt.Errorf("malformed task id %q: %w", s, err)
	}

	return TaskID{Connector: s[:idx], Task: n}, nil
}

// Compare orders task IDs by connector name, then task number.
//
// Returns:
//   - int: -1 if t < u, 0 if equal, +1 if t > u
func (t TaskID) Compare(u TaskID) int {
	if t.Connector != u.Connector {
		if t.Connector < u.Connector {
			return -1
		}

		return 1
	}
	if t.Task == u.Task {
		return 0
	}
	if t.Task < u.Task {
		return -1
	}

	return 1
}
