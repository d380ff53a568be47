package natsstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	herdtest "github.com/herdlib/herd/testing"
	"github.com/herdlib/herd/types"
)

const (
	waitFor  = 5 * time.Second
	pollTick = 10 * time.Millisecond
)

// recordingListener captures update notifications for assertions.
type recordingListener struct {
	mu sync.Mutex

	connectorUpdates []string
	connectorRemoves []string
	taskUpdates      [][]types.TaskID
	targetChanges    []string
	sessionKeys      []types.SessionKey
	restartRequests  []types.RestartRequest
}

func (l *recordingListener) OnConnectorConfigUpdate(connector string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectorUpdates = append(l.connectorUpdates, connector)
}

func (l *recordingListener) OnConnectorConfigRemove(connector string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectorRemoves = append(l.connectorRemoves, connector)
}

func (l *recordingListener) OnTaskConfigUpdate(tasks []types.TaskID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taskUpdates = append(l.taskUpdates, tasks)
}

func (l *recordingListener) OnConnectorTargetStateChange(connector string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targetChanges = append(l.targetChanges, connector)
}

func (l *recordingListener) OnSessionKeyUpdate(key types.SessionKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionKeys = append(l.sessionKeys, key)
}

func (l *recordingListener) OnRestartRequest(request types.RestartRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restartRequests = append(l.restartRequests, request)
}

func (l *recordingListener) snapshot() recordingListener {
	l.mu.Lock()
	defer l.mu.Unlock()

	return recordingListener{
		connectorUpdates: append([]string(nil), l.connectorUpdates...),
		connectorRemoves: append([]string(nil), l.connectorRemoves...),
		taskUpdates:      append([][]types.TaskID(nil), l.taskUpdates...),
		targetChanges:    append([]string(nil), l.targetChanges...),
		sessionKeys:      append([]types.SessionKey(nil), l.sessionKeys...),
		restartRequests:  append([]types.RestartRequest(nil), l.restartRequests...),
	}
}

func newTestStore(t *testing.T, bucket string) *Store {
	t.Helper()

	_, nc := herdtest.StartEmbeddedNATS(t)

	store, err := New(t.Context(), nc, Config{Bucket: bucket},
		WithLogger(herdtest.NewTestLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Stop(t.Context()) })

	return store
}

func TestNewValidation(t *testing.T) {
	t.Run("nil connection", func(t *testing.T) {
		_, err := New(t.Context(), nil, Config{Bucket: "b"})
		require.Error(t, err)
	})

	t.Run("missing bucket", func(t *testing.T) {
		_, nc := herdtest.StartEmbeddedNATS(t)
		_, err := New(t.Context(), nc, Config{})
		require.Error(t, err)
	})
}

func TestStoreConnectorLifecycle(t *testing.T) {
	store := newTestStore(t, "lifecycle")
	ctx := t.Context()

	config := map[string]string{"topic": "orders", "format": "json"}
	require.NoError(t, store.PutConnectorConfig(ctx, "orders-sink", config))

	require.Eventually(t, func() bool {
		return store.Snapshot().Contains("orders-sink")
	}, waitFor, pollTick)

	snap := store.Snapshot()
	require.Equal(t, config, snap.ConnectorConfigs["orders-sink"])

	// No task commit yet: not inconsistent, just taskless.
	require.False(t, snap.IsInconsistent("orders-sink"))
	require.Zero(t, snap.ConnectorTaskCounts["orders-sink"])

	taskConfigs := []map[string]string{{"slot": "0"}, {"slot": "1"}}
	require.NoError(t, store.PutTaskConfigs(ctx, "orders-sink", taskConfigs))

	require.Eventually(t, func() bool {
		return store.Snapshot().ConnectorTaskCounts["orders-sink"] == 2
	}, waitFor, pollTick)

	snap = store.Snapshot()
	require.False(t, snap.IsInconsistent("orders-sink"))
	require.Equal(t, map[string]string{"slot": "0"}, snap.TaskConfigs[types.TaskID{Connector: "orders-sink", Task: 0}])
	require.Equal(t, map[string]string{"slot": "1"}, snap.TaskConfigs[types.TaskID{Connector: "orders-sink", Task: 1}])
}

func TestStoreInconsistencyTracking(t *testing.T) {
	store := newTestStore(t, "consistency")
	ctx := t.Context()

	require.NoError(t, store.PutConnectorConfig(ctx, "c", map[string]string{"v": "1"}))
	require.Eventually(t, func() bool {
		return store.Snapshot().Contains("c")
	}, waitFor, pollTick)

	require.NoError(t, store.PutTaskConfigs(ctx, "c", []map[string]string{{"t": "0"}}))
	require.Eventually(t, func() bool {
		return store.Snapshot().ConnectorTaskCounts["c"] == 1
	}, waitFor, pollTick)
	require.False(t, store.Snapshot().IsInconsistent("c"))

	// A new connector config invalidates the committed task configs
	// until the owner recommits against it.
	require.NoError(t, store.PutConnectorConfig(ctx, "c", map[string]string{"v": "2"}))
	require.Eventually(t, func() bool {
		return store.Snapshot().IsInconsistent("c")
	}, waitFor, pollTick)

	// Tasks survive the inconsistency window for workers already
	// running them.
	require.Equal(t, 1, store.Snapshot().ConnectorTaskCounts["c"])

	require.NoError(t, store.PutTaskConfigs(ctx, "c", []map[string]string{{"t": "0b"}}))
	require.Eventually(t, func() bool {
		return !store.Snapshot().IsInconsistent("c")
	}, waitFor, pollTick)
}

func TestStoreRemoveConnector(t *testing.T) {
	store := newTestStore(t, "removal")
	ctx := t.Context()

	require.NoError(t, store.PutConnectorConfig(ctx, "doomed", map[string]string{"k": "v"}))
	require.Eventually(t, func() bool {
		return store.Snapshot().Contains("doomed")
	}, waitFor, pollTick)
	require.NoError(t, store.PutTaskConfigs(ctx, "doomed", []map[string]string{{"t": "0"}}))
	require.NoError(t, store.PutTargetState(ctx, "doomed", types.TargetPaused))

	require.Eventually(t, func() bool {
		snap := store.Snapshot()
		return snap.ConnectorTaskCounts["doomed"] == 1 && snap.TargetState("doomed") == types.TargetPaused
	}, waitFor, pollTick)

	require.NoError(t, store.RemoveConnectorConfig(ctx, "doomed"))

	require.Eventually(t, func() bool {
		return !store.Snapshot().Contains("doomed")
	}, waitFor, pollTick)

	snap := store.Snapshot()
	require.Zero(t, snap.ConnectorTaskCounts["doomed"])
	require.Empty(t, snap.TaskConfigs)
	require.Equal(t, types.TargetStarted, snap.TargetState("doomed"))
}

func TestStoreTargetState(t *testing.T) {
	store := newTestStore(t, "target-state")
	ctx := t.Context()

	require.NoError(t, store.PutConnectorConfig(ctx, "c", map[string]string{"k": "v"}))
	require.NoError(t, store.PutTargetState(ctx, "c", types.TargetPaused))

	require.Eventually(t, func() bool {
		return store.Snapshot().TargetState("c") == types.TargetPaused
	}, waitFor, pollTick)

	require.Error(t, store.PutTargetState(ctx, "c", types.TargetState("EXPLODED")))
}

func TestStorePutTaskConfigsUnknownConnector(t *testing.T) {
	store := newTestStore(t, "unknown-connector")

	err := store.PutTaskConfigs(t.Context(), "ghost", []map[string]string{{"t": "0"}})
	require.Error(t, err)
}

func TestStoreSessionKeyReplication(t *testing.T) {
	store := newTestStore(t, "session-key")

	listener := &recordingListener{}
	store.SetUpdateListener(listener)

	key := types.SessionKey{
		Algorithm: "HmacSHA256",
		Key:       []byte("0123456789abcdef0123456789abcdef"),
		Created:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.PutSessionKey(t.Context(), key))

	require.Eventually(t, func() bool {
		return len(listener.snapshot().sessionKeys) == 1
	}, waitFor, pollTick)

	got := store.Snapshot().SessionKey
	require.Equal(t, key.Algorithm, got.Algorithm)
	require.Equal(t, key.Key, got.Key)
	require.True(t, key.Created.Equal(got.Created))
}

func TestStoreRestartRequestNotification(t *testing.T) {
	store := newTestStore(t, "restart")
	ctx := t.Context()

	require.NoError(t, store.PutConnectorConfig(ctx, "c", map[string]string{"k": "v"}))

	listener := &recordingListener{}
	store.SetUpdateListener(listener)

	req := types.RestartRequest{ConnectorName: "c", IncludeTasks: true}
	require.NoError(t, store.PutRestartRequest(ctx, req))

	require.Eventually(t, func() bool {
		events := listener.snapshot()
		return len(events.restartRequests) == 1 && events.restartRequests[0] == req
	}, waitFor, pollTick)
}

func TestStoreListenerNotifications(t *testing.T) {
	store := newTestStore(t, "notifications")
	ctx := t.Context()

	listener := &recordingListener{}
	store.SetUpdateListener(listener)

	require.NoError(t, store.PutConnectorConfig(ctx, "c", map[string]string{"k": "v"}))
	require.Eventually(t, func() bool {
		return len(listener.snapshot().connectorUpdates) == 1
	}, waitFor, pollTick)

	require.NoError(t, store.PutTaskConfigs(ctx, "c", []map[string]string{{"t": "0"}, {"t": "1"}}))
	require.Eventually(t, func() bool {
		events := listener.snapshot()
		return len(events.taskUpdates) == 1
	}, waitFor, pollTick)
	require.Equal(t, []types.TaskID{
		{Connector: "c", Task: 0},
		{Connector: "c", Task: 1},
	}, listener.snapshot().taskUpdates[0])

	require.NoError(t, store.PutTargetState(ctx, "c", types.TargetPaused))
	require.Eventually(t, func() bool {
		return len(listener.snapshot().targetChanges) == 1
	}, waitFor, pollTick)

	require.NoError(t, store.RemoveConnectorConfig(ctx, "c"))
	require.Eventually(t, func() bool {
		return len(listener.snapshot().connectorRemoves) == 1
	}, waitFor, pollTick)
}

func TestStoreOffsetAdvances(t *testing.T) {
	store := newTestStore(t, "offsets")
	ctx := t.Context()

	require.Zero(t, store.Snapshot().Offset)

	require.NoError(t, store.PutConnectorConfig(ctx, "a", map[string]string{"k": "1"}))
	require.Eventually(t, func() bool {
		return store.Snapshot().Offset > 0
	}, waitFor, pollTick)
	first := store.Snapshot().Offset

	require.NoError(t, store.PutConnectorConfig(ctx, "b", map[string]string{"k": "2"}))
	require.Eventually(t, func() bool {
		return store.Snapshot().Offset > first
	}, waitFor, pollTick)
}

func TestStoreRefresh(t *testing.T) {
	store := newTestStore(t, "refresh")
	ctx := t.Context()

	// Already caught up: returns immediately.
	require.NoError(t, store.Refresh(ctx, time.Second))

	require.NoError(t, store.PutConnectorConfig(ctx, "c", map[string]string{"k": "v"}))
	require.NoError(t, store.Refresh(ctx, waitFor))
	require.True(t, store.Snapshot().Contains("c"))
}

func TestStoreReplayOnStartup(t *testing.T) {
	_, nc := herdtest.StartEmbeddedNATS(t)
	ctx := t.Context()

	first, err := New(ctx, nc, Config{Bucket: "replay"})
	require.NoError(t, err)

	require.NoError(t, first.PutConnectorConfig(ctx, "c", map[string]string{"k": "v"}))
	require.Eventually(t, func() bool {
		return first.Snapshot().Contains("c")
	}, waitFor, pollTick)
	require.NoError(t, first.PutTaskConfigs(ctx, "c", []map[string]string{{"t": "0"}}))
	require.NoError(t, first.PutTargetState(ctx, "c", types.TargetPaused))
	require.NoError(t, first.Refresh(ctx, waitFor))
	require.NoError(t, first.Stop(ctx))

	// A fresh store on the same bucket replays the full log before New
	// returns; no waiting needed.
	second, err := New(ctx, nc, Config{Bucket: "replay"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Stop(ctx) })

	snap := second.Snapshot()
	require.True(t, snap.Contains("c"))
	require.Equal(t, 1, snap.ConnectorTaskCounts["c"])
	require.Equal(t, types.TargetPaused, snap.TargetState("c"))
	require.False(t, snap.IsInconsistent("c"))
}

func TestStoreSnapshotImmutable(t *testing.T) {
	store := newTestStore(t, "immutable")
	ctx := t.Context()

	require.NoError(t, store.PutConnectorConfig(ctx, "a", map[string]string{"k": "1"}))
	require.Eventually(t, func() bool {
		return store.Snapshot().Contains("a")
	}, waitFor, pollTick)

	before := store.Snapshot()

	require.NoError(t, store.PutConnectorConfig(ctx, "b", map[string]string{"k": "2"}))
	require.Eventually(t, func() bool {
		return store.Snapshot().Contains("b")
	}, waitFor, pollTick)

	// The earlier snapshot never observes later writes.
	require.True(t, before.Contains("a"))
	require.False(t, before.Contains("b"))
}
