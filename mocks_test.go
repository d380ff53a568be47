package herd

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/herdlib/herd/types"
)

// mockMember is an in-memory GroupMember. Join fires the configured
// initial assignment synchronously, mirroring a real transport; Poll
// blocks briefly so the tick loop does not spin.
type mockMember struct {
	mu sync.Mutex

	memberID string
	protocol types.ProtocolVersion
	listener types.RebalanceListener

	// initialAssignment, when set, is delivered from inside Join.
	initialAssignment *types.ExtendedAssignment
	initialGeneration int

	ownerURLs map[string]string

	joinCalls    int
	ensureCalls  int
	stopCalls    int
	leaveReasons []string
	rejoins      []string
	revoked      []*types.ExtendedAssignment

	// calls records ensure/poll/rejoin invocations in order.
	calls []string

	wakeCh  chan struct{}
	wakeups atomic.Int64

	// pending assignments delivered on the next Poll.
	pending []pendingAssignment
}

type pendingAssignment struct {
	revokedConnectors []string
	revokedTasks      []types.TaskID
	assignment        *types.ExtendedAssignment
	generation        int
}

func newMockMember(id string, protocol types.ProtocolVersion) *mockMember {
	return &mockMember{
		memberID:  id,
		protocol:  protocol,
		ownerURLs: make(map[string]string),
		wakeCh:    make(chan struct{}, 1),
	}
}

func (m *mockMember) setListener(l types.RebalanceListener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

func (m *mockMember) MemberID() string { return m.memberID }

func (m *mockMember) OwnerURL(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ownerURLs[id]
}

func (m *mockMember) ProtocolVersion() types.ProtocolVersion {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.protocol
}

func (m *mockMember) Join(_ context.Context) error {
	m.mu.Lock()
	m.joinCalls++
	assignment := m.initialAssignment
	generation := m.initialGeneration
	listener := m.listener
	m.mu.Unlock()

	if assignment != nil && listener != nil {
		listener.OnAssigned(assignment, generation)
	}

	return nil
}

// deliver queues a rebalance round for the next Poll.
func (m *mockMember) deliver(p pendingAssignment) {
	m.mu.Lock()
	m.pending = append(m.pending, p)
	m.mu.Unlock()
	m.Wakeup()
}

func (m *mockMember) Poll(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	m.calls = append(m.calls, "poll")
	var next *pendingAssignment
	if len(m.pending) > 0 {
		next = &m.pending[0]
		m.pending = m.pending[1:]
	}
	listener := m.listener
	m.mu.Unlock()

	if next != nil && listener != nil {
		if len(next.revokedConnectors) > 0 || len(next.revokedTasks) > 0 {
			listener.OnRevoked("", next.revokedConnectors, next.revokedTasks)
		}
		if next.assignment != nil {
			listener.OnAssigned(next.assignment, next.generation)
		}

		return nil
	}

	if timeout <= 0 || timeout > 5*time.Millisecond {
		timeout = 5 * time.Millisecond
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.wakeCh:
	case <-time.After(timeout):
	}

	return nil
}

func (m *mockMember) Wakeup() {
	m.wakeups.Add(1)
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *mockMember) EnsureActive(_ context.Context) error {
	m.mu.Lock()
	m.ensureCalls++
	m.calls = append(m.calls, "ensure")
	m.mu.Unlock()

	return nil
}

func (m *mockMember) RequestRejoin(reason string) {
	m.mu.Lock()
	m.rejoins = append(m.rejoins, reason)
	m.calls = append(m.calls, "rejoin:"+reason)
	m.mu.Unlock()
	m.Wakeup()
}

func (m *mockMember) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.calls))
	copy(out, m.calls)

	return out
}

func (m *mockMember) rejoinReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.rejoins))
	copy(out, m.rejoins)

	return out
}

func (m *mockMember) MaybeLeaveGroup(_ context.Context, reason string) error {
	m.mu.Lock()
	m.leaveReasons = append(m.leaveReasons, reason)
	m.mu.Unlock()

	return nil
}

func (m *mockMember) RevokeAssignment(_ context.Context, assignment *types.ExtendedAssignment) error {
	m.mu.Lock()
	m.revoked = append(m.revoked, assignment)
	m.mu.Unlock()

	return nil
}

func (m *mockMember) revokeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.revoked)
}

func (m *mockMember) Stop(_ context.Context) error {
	m.mu.Lock()
	m.stopCalls++
	m.mu.Unlock()

	return nil
}

// mockStore is an in-memory ConfigStore. Writes mutate the snapshot,
// bump the offset and notify the listener synchronously.
type mockStore struct {
	mu       sync.Mutex
	state    types.ClusterConfigState
	listener types.UpdateListener

	refreshCalls int
	// failRefreshes makes the next N Refresh calls time out.
	failRefreshes int
	// refreshTarget, when > 0, is the offset Refresh advances to on
	// success.
	refreshTarget int64

	stopCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		state: types.ClusterConfigState{
			ConnectorTaskCounts: make(map[string]int),
			ConnectorConfigs:    make(map[string]map[string]string),
			TargetStates:        make(map[string]types.TargetState),
			TaskConfigs:         make(map[types.TaskID]map[string]string),
			Inconsistent:        make(map[string]struct{}),
		},
	}
}

func (s *mockStore) Snapshot() types.ClusterConfigState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *mockStore) snapshotLocked() types.ClusterConfigState {
	snap := s.state
	snap.ConnectorTaskCounts = maps.Clone(s.state.ConnectorTaskCounts)
	snap.ConnectorConfigs = maps.Clone(s.state.ConnectorConfigs)
	snap.TargetStates = maps.Clone(s.state.TargetStates)
	snap.TaskConfigs = maps.Clone(s.state.TaskConfigs)
	snap.Inconsistent = maps.Clone(s.state.Inconsistent)

	return snap
}

func (s *mockStore) Refresh(_ context.Context, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshCalls++
	if s.failRefreshes > 0 {
		s.failRefreshes--
		return types.ErrRefreshTimeout
	}
	if s.refreshTarget > s.state.Offset {
		s.state.Offset = s.refreshTarget
	}

	return nil
}

func (s *mockStore) notify(fn func(types.UpdateListener)) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		fn(listener)
	}
}

func (s *mockStore) PutConnectorConfig(_ context.Context, connector string, config map[string]string) error {
	s.mu.Lock()
	s.state.ConnectorConfigs[connector] = maps.Clone(config)
	s.state.Inconsistent[connector] = struct{}{}
	s.state.Offset++
	s.mu.Unlock()

	s.notify(func(l types.UpdateListener) { l.OnConnectorConfigUpdate(connector) })

	return nil
}

func (s *mockStore) RemoveConnectorConfig(_ context.Context, connector string) error {
	s.mu.Lock()
	delete(s.state.ConnectorConfigs, connector)
	delete(s.state.ConnectorTaskCounts, connector)
	delete(s.state.TargetStates, connector)
	delete(s.state.Inconsistent, connector)
	for id := range s.state.TaskConfigs {
		if id.Connector == connector {
			delete(s.state.TaskConfigs, id)
		}
	}
	s.state.Offset++
	s.mu.Unlock()

	s.notify(func(l types.UpdateListener) { l.OnConnectorConfigRemove(connector) })

	return nil
}

func (s *mockStore) PutTaskConfigs(_ context.Context, connector string, configs []map[string]string) error {
	s.mu.Lock()
	for id := range s.state.TaskConfigs {
		if id.Connector == connector {
			delete(s.state.TaskConfigs, id)
		}
	}
	ids := make([]types.TaskID, 0, len(configs))
	for i, config := range configs {
		id := types.TaskID{Connector: connector, Task: i}
		s.state.TaskConfigs[id] = maps.Clone(config)
		ids = append(ids, id)
	}
	s.state.ConnectorTaskCounts[connector] = len(configs)
	delete(s.state.Inconsistent, connector)
	s.state.Offset++
	s.mu.Unlock()

	s.notify(func(l types.UpdateListener) { l.OnTaskConfigUpdate(ids) })

	return nil
}

func (s *mockStore) PutTargetState(_ context.Context, connector string, state types.TargetState) error {
	s.mu.Lock()
	s.state.TargetStates[connector] = state
	s.state.Offset++
	s.mu.Unlock()

	s.notify(func(l types.UpdateListener) { l.OnConnectorTargetStateChange(connector) })

	return nil
}

func (s *mockStore) PutSessionKey(_ context.Context, key types.SessionKey) error {
	s.mu.Lock()
	s.state.SessionKey = key
	s.state.Offset++
	s.mu.Unlock()

	s.notify(func(l types.UpdateListener) { l.OnSessionKeyUpdate(key) })

	return nil
}

func (s *mockStore) PutRestartRequest(_ context.Context, request types.RestartRequest) error {
	s.mu.Lock()
	s.state.Offset++
	s.mu.Unlock()

	s.notify(func(l types.UpdateListener) { l.OnRestartRequest(request) })

	return nil
}

func (s *mockStore) SetUpdateListener(listener types.UpdateListener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
}

func (s *mockStore) Stop(_ context.Context) error {
	s.mu.Lock()
	s.stopCalls++
	s.mu.Unlock()

	return nil
}

// seedConnector installs a consistent connector with the given task
// count, bypassing listener notifications.
func (s *mockStore) seedConnector(connector string, config map[string]string, tasks int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.ConnectorConfigs[connector] = maps.Clone(config)
	s.state.ConnectorTaskCounts[connector] = tasks
	for i := range tasks {
		s.state.TaskConfigs[types.TaskID{Connector: connector, Task: i}] = map[string]string{"task": "config"}
	}
	s.state.Offset++
}

func (s *mockStore) setOffset(offset int64) {
	s.mu.Lock()
	s.state.Offset = offset
	s.mu.Unlock()
}

// mockExecutor tracks what the herder asked it to run.
type mockExecutor struct {
	mu sync.Mutex

	connectors map[string]types.TargetState
	tasks      map[types.TaskID]types.TargetState

	// taskConfigs is returned by ConnectorTaskConfigs per connector.
	taskConfigs map[string][]map[string]string

	// failedConnectors report IsRunning=false even after a start.
	failedConnectors map[string]struct{}

	startedConnectors []string
	stoppedConnectors []string
	startedTasks      []types.TaskID
	stoppedTasks      []types.TaskID
	targetStates      []string
	flushCalls        int
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		connectors:       make(map[string]types.TargetState),
		tasks:            make(map[types.TaskID]types.TargetState),
		taskConfigs:      make(map[string][]map[string]string),
		failedConnectors: make(map[string]struct{}),
	}
}

func (e *mockExecutor) StartConnector(_ context.Context, connector string, _ map[string]string, state types.TargetState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.connectors[connector] = state
	e.startedConnectors = append(e.startedConnectors, connector)

	return nil
}

func (e *mockExecutor) StartTask(_ context.Context, id types.TaskID, _ map[string]string, state types.TargetState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tasks[id] = state
	e.startedTasks = append(e.startedTasks, id)

	return nil
}

func (e *mockExecutor) StopAndAwaitConnector(connector string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.connectors, connector)
	e.stoppedConnectors = append(e.stoppedConnectors, connector)
}

func (e *mockExecutor) StopAndAwaitConnectors(connectors []string) {
	for _, connector := range connectors {
		e.StopAndAwaitConnector(connector)
	}
}

func (e *mockExecutor) StopAndAwaitTasks(ids []types.TaskID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		delete(e.tasks, id)
		e.stoppedTasks = append(e.stoppedTasks, id)
	}
}

func (e *mockExecutor) SetTargetState(connector string, state types.TargetState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.connectors[connector]; ok {
		e.connectors[connector] = state
	}
	for id := range e.tasks {
		if id.Connector == connector {
			e.tasks[id] = state
		}
	}
	e.targetStates = append(e.targetStates, connector+"="+string(state))
}

func (e *mockExecutor) IsRunning(connector string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, failed := e.failedConnectors[connector]; failed {
		return false
	}
	_, ok := e.connectors[connector]

	return ok
}

func (e *mockExecutor) ConnectorNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.connectors))
	for name := range e.connectors {
		names = append(names, name)
	}

	return names
}

func (e *mockExecutor) TaskIDs() []types.TaskID {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]types.TaskID, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}

	return ids
}

func (e *mockExecutor) ConnectorTaskConfigs(_ context.Context, connector string, config map[string]string) ([]map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if configs, ok := e.taskConfigs[connector]; ok {
		return configs, nil
	}

	// Default: two tasks derived from the connector config.
	return []map[string]string{
		maps.Clone(config),
		maps.Clone(config),
	}, nil
}

func (e *mockExecutor) FlushStatuses(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.flushCalls++

	return nil
}

// failConnector makes IsRunning report false for the connector even
// though it was started.
func (e *mockExecutor) failConnector(name string) {
	e.mu.Lock()
	e.failedConnectors[name] = struct{}{}
	e.mu.Unlock()
}

func (e *mockExecutor) taskTargetState(id types.TaskID) (types.TargetState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.tasks[id]

	return state, ok
}

func (e *mockExecutor) connectorTargetState(name string) (types.TargetState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.connectors[name]

	return state, ok
}

func (e *mockExecutor) started() ([]string, []types.TaskID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conns := make([]string, len(e.startedConnectors))
	copy(conns, e.startedConnectors)
	tasks := make([]types.TaskID, len(e.startedTasks))
	copy(tasks, e.startedTasks)

	return conns, tasks
}

func (e *mockExecutor) stopped() ([]string, []types.TaskID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conns := make([]string, len(e.stoppedConnectors))
	copy(conns, e.stoppedConnectors)
	tasks := make([]types.TaskID, len(e.stoppedTasks))
	copy(tasks, e.stoppedTasks)

	return conns, tasks
}

func (e *mockExecutor) appliedTargetStates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, len(e.targetStates))
	copy(out, e.targetStates)

	return out
}
