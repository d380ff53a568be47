package natsgroup

import (
	"testing"

	"github.com/stretchr/testify/require"

	herdtest "github.com/herdlib/herd/testing"
)

func TestLeaderElectionContention(t *testing.T) {
	_, nc := herdtest.StartEmbeddedNATS(t)
	kv := herdtest.CreateJetStreamKV(t, nc, "election")
	ctx := t.Context()

	e1 := newLeaderElection(kv, "leader")
	e2 := newLeaderElection(kv, "leader")

	won, err := e1.contend(ctx, "w1")
	require.NoError(t, err)
	require.True(t, won)
	require.True(t, e1.IsLeader())

	// Losing the race is not an error.
	won, err = e2.contend(ctx, "w2")
	require.NoError(t, err)
	require.False(t, won)
	require.False(t, e2.IsLeader())

	require.Equal(t, "w1", e1.leaderID(ctx))
	require.Equal(t, "w1", e2.leaderID(ctx))

	// The holder renews through contend.
	won, err = e1.contend(ctx, "w1")
	require.NoError(t, err)
	require.True(t, won)
}

func TestLeaderElectionResign(t *testing.T) {
	_, nc := herdtest.StartEmbeddedNATS(t)
	kv := herdtest.CreateJetStreamKV(t, nc, "resign")
	ctx := t.Context()

	e1 := newLeaderElection(kv, "leader")
	e2 := newLeaderElection(kv, "leader")

	won, err := e1.contend(ctx, "w1")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, e1.resign(ctx))
	require.False(t, e1.IsLeader())

	won, err = e2.contend(ctx, "w2")
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, "w2", e2.leaderID(ctx))

	// Resigning without leadership is a no-op.
	require.NoError(t, e1.resign(ctx))
	require.True(t, e2.IsLeader())
}

func TestLeaderElectionLostLease(t *testing.T) {
	_, nc := herdtest.StartEmbeddedNATS(t)
	kv := herdtest.CreateJetStreamKV(t, nc, "lost-lease")
	ctx := t.Context()

	e1 := newLeaderElection(kv, "leader")

	won, err := e1.contend(ctx, "w1")
	require.NoError(t, err)
	require.True(t, won)

	// Simulate lease expiry: the key vanishes underneath the holder.
	require.NoError(t, kv.Purge(ctx, "leader"))

	require.ErrorIs(t, e1.renew(ctx), errLeadershipLost)
	require.False(t, e1.IsLeader())

	// The next contention cycle re-acquires cleanly.
	won, err = e1.contend(ctx, "w1")
	require.NoError(t, err)
	require.True(t, won)
}

func TestLeaderElectionNoLeader(t *testing.T) {
	_, nc := herdtest.StartEmbeddedNATS(t)
	kv := herdtest.CreateJetStreamKV(t, nc, "no-leader")

	e := newLeaderElection(kv, "leader")
	require.Empty(t, e.leaderID(t.Context()))
	require.ErrorIs(t, e.renew(t.Context()), errNotLeader)
}
