package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/herdlib/herd/types"
)

// wireAssignment is the serialized form of an ExtendedAssignment. Delay
// travels as integer milliseconds.
type wireAssignment struct {
	Version           int16             `json:"version"`
	Error             int16             `json:"error"`
	Leader            string            `json:"leader"`
	LeaderURL         string            `json:"leaderUrl"`
	Offset            int64             `json:"offset"`
	Connectors        []string          `json:"assignedConnectors"`
	Tasks             []types.TaskID    `json:"assignedTasks"`
	RevokedConnectors []string          `json:"revokedConnectors,omitempty"`
	RevokedTasks      []types.TaskID    `json:"revokedTasks,omitempty"`
	DelayMs           int64             `json:"delayMs"`
}

// Marshal serializes an assignment for the wire.
//
// Parameters:
//   - a: Assignment to serialize
//
// Returns:
//   - []byte: JSON payload
//   - error: Unknown protocol version or invariant violation
func Marshal(a *types.ExtendedAssignment) ([]byte, error) {
	if err := validate(a); err != nil {
		return nil, err
	}

	return json.Marshal(wireAssignment{
		Version:           int16(a.Version),
		Error:             int16(a.Error),
		Leader:            a.Leader,
		LeaderURL:         a.LeaderURL,
		Offset:            a.Offset,
		Connectors:        a.Connectors,
		Tasks:             a.Tasks,
		RevokedConnectors: a.RevokedConnectors,
		RevokedTasks:      a.RevokedTasks,
		DelayMs:           a.Delay.Milliseconds(),
	})
}

// Unmarshal deserializes a wire payload into an assignment, validating
// the protocol invariants.
//
// Parameters:
//   - data: JSON payload
//
// Returns:
//   - *types.ExtendedAssignment: Parsed assignment
//   - error: Malformed payload, unknown version or invariant violation
func Unmarshal(data []byte) (*types.ExtendedAssignment, error) {
	var w wireAssignment
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed assignment payload: %w", err)
	}

	a := &types.ExtendedAssignment{
		Version:           types.ProtocolVersion(w.Version),
		Error:             types.AssignmentError(w.Error),
		Leader:            w.Leader,
		LeaderURL:         w.LeaderURL,
		Offset:            w.Offset,
		Connectors:        w.Connectors,
		Tasks:             w.Tasks,
		RevokedConnectors: w.RevokedConnectors,
		RevokedTasks:      w.RevokedTasks,
		Delay:             time.Duration(w.DelayMs) * time.Millisecond,
	}

	if err := validate(a); err != nil {
		return nil, err
	}

	return a, nil
}

// validate enforces the per-version payload invariants.
func validate(a *types.ExtendedAssignment) error {
	switch a.Version {
	case types.ProtocolEager:
		if len(a.RevokedConnectors) > 0 || len(a.RevokedTasks) > 0 {
			return fmt.Errorf("eager assignment must not carry revocations")
		}
		if a.Delay != 0 {
			return fmt.Errorf("eager assignment must not carry a delay")
		}
	case types.ProtocolCoopV1, types.ProtocolCoopV2:
		if err := disjoint(a); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown assignment protocol version %d", int16(a.Version))
	}

	if a.Delay < 0 {
		return fmt.Errorf("assignment delay must not be negative")
	}

	return nil
}

func disjoint(a *types.ExtendedAssignment) error {
	revokedConnectors := make(map[string]struct{}, len(a.RevokedConnectors))
	for _, name := range a.RevokedConnectors {
		revokedConnectors[name] = struct{}{}
	}
	for _, name := range a.Connectors {
		if _, ok := revokedConnectors[name]; ok {
			return fmt.Errorf("connector %q both assigned and revoked", name)
		}
	}

	revokedTasks := make(map[types.TaskID]struct{}, len(a.RevokedTasks))
	for _, id := range a.RevokedTasks {
		revokedTasks[id] = struct{}{}
	}
	for _, id := range a.Tasks {
		if _, ok := revokedTasks[id]; ok {
			return fmt.Errorf("task %s both assigned and revoked", id.String())
		}
	}

	return nil
}
