package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herdlib/herd/types"
)

func TestMarshalRoundTrip(t *testing.T) {
	a := &types.ExtendedAssignment{
		Version:           types.ProtocolCoopV2,
		Leader:            "worker-1",
		LeaderURL:         "http://worker-1:8083",
		Offset:            42,
		Connectors:        []string{"alpha", "beta"},
		Tasks:             []types.TaskID{{Connector: "alpha", Task: 0}, {Connector: "alpha", Task: 1}},
		RevokedConnectors: []string{"gamma"},
		RevokedTasks:      []types.TaskID{{Connector: "gamma", Task: 0}},
		Delay:             1500 * time.Millisecond,
	}

	data, err := Marshal(a)
	require.NoError(t, err)

	// Delay travels as integer milliseconds.
	require.Contains(t, string(data), `"delayMs":1500`)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestMarshalEagerRoundTrip(t *testing.T) {
	a := &types.ExtendedAssignment{
		Version:    types.ProtocolEager,
		Leader:     "worker-1",
		Offset:     7,
		Connectors: []string{"alpha"},
		Tasks:      []types.TaskID{{Connector: "alpha", Task: 0}},
	}

	data, err := Marshal(a)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestMarshalRejectsInvalidAssignments(t *testing.T) {
	cases := []struct {
		name string
		a    *types.ExtendedAssignment
		want string
	}{
		{
			name: "eager with revoked connectors",
			a: &types.ExtendedAssignment{
				Version:           types.ProtocolEager,
				RevokedConnectors: []string{"alpha"},
			},
			want: "must not carry revocations",
		},
		{
			name: "eager with delay",
			a: &types.ExtendedAssignment{
				Version: types.ProtocolEager,
				Delay:   time.Second,
			},
			want: "must not carry a delay",
		},
		{
			name: "cooperative connector assigned and revoked",
			a: &types.ExtendedAssignment{
				Version:           types.ProtocolCoopV1,
				Connectors:        []string{"alpha"},
				RevokedConnectors: []string{"alpha"},
			},
			want: "both assigned and revoked",
		},
		{
			name: "cooperative task assigned and revoked",
			a: &types.ExtendedAssignment{
				Version:      types.ProtocolCoopV2,
				Tasks:        []types.TaskID{{Connector: "alpha", Task: 3}},
				RevokedTasks: []types.TaskID{{Connector: "alpha", Task: 3}},
			},
			want: "both assigned and revoked",
		},
		{
			name: "unknown version",
			a:    &types.ExtendedAssignment{Version: 9},
			want: "unknown assignment protocol version",
		},
		{
			name: "negative delay",
			a: &types.ExtendedAssignment{
				Version: types.ProtocolCoopV1,
				Delay:   -time.Second,
			},
			want: "must not be negative",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Marshal(tc.a)
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.want), "got: %v", err)
		})
	}
}

func TestUnmarshalRejectsBadPayloads(t *testing.T) {
	t.Run("malformed json", func(t *testing.T) {
		_, err := Unmarshal([]byte("{not json"))
		require.Error(t, err)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"version":99,"leader":"w1"}`))
		require.Error(t, err)
	})

	t.Run("eager payload with revocations", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"version":0,"revokedConnectors":["alpha"]}`))
		require.Error(t, err)
	})

	t.Run("overlapping sets", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"version":2,"assignedConnectors":["a"],"revokedConnectors":["a"]}`))
		require.Error(t, err)
	})
}
