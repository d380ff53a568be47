package herd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/herdlib/herd/internal/hooks"
	"github.com/herdlib/herd/internal/logging"
	"github.com/herdlib/herd/internal/metrics"
	"github.com/herdlib/herd/signature"
	"github.com/herdlib/herd/types"
)

// State represents the herder lifecycle state.
type State int32

const (
	// StateInit is the state before Run is called.
	StateInit State = iota

	// StateJoining means the worker is performing its initial group join.
	StateJoining

	// StateRebalancing means a rebalance round is in flight or its
	// assignment has not been resolved against the config log yet.
	StateRebalancing

	// StateStable means the current assignment is resolved and running.
	StateStable

	// StateShutdown means Stop was requested and teardown is in progress.
	StateShutdown

	// StateStopped is the terminal state after Run returns.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateJoining:
		return "joining"
	case StateRebalancing:
		return "rebalancing"
	case StateStable:
		return "stable"
	case StateShutdown:
		return "shutdown"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Herder coordinates this worker's participation in the group: it joins
// the rebalance protocol, resolves assignments against the shared config
// log, starts and stops work through the Executor, and serves external
// configuration operations.
//
// All coordination state is owned by the single goroutine running the
// tick cycle inside Run. External operations enqueue requests onto that
// goroutine and block for the result. Rebalance callbacks fire
// synchronously from inside the group member's Join/Poll calls, on the
// same goroutine, so none of the coordination state needs locking.
type Herder struct {
	config   Config
	protocol ProtocolVersion

	member   types.GroupMember
	store    types.ConfigStore
	executor types.Executor

	logger  Logger
	metrics MetricsCollector
	hooks   Hooks
	clock   Clock
	planner RestartPlanner

	queue    *requestQueue
	restarts *restartCoalescer
	keys     *sessionKeyManager
	catchUp  *catchUpController

	state atomic.Int32

	// Dirty buffers written by the config store watcher goroutine and
	// drained on the coordination goroutine each tick.
	connUpdates  *xsync.Map[string, struct{}]
	connRemovals *xsync.Map[string, struct{}]
	taskUpdates  *xsync.Map[types.TaskID, struct{}]
	stateUpdates *xsync.Map[string, struct{}]

	// Coordination-goroutine-owned state.
	runCtx            context.Context
	assignment        *types.ExtendedAssignment
	generation        int
	rebalanceResolved bool
	rebalanceStarted  time.Time
	revokedConnectors []string
	revokedTasks      []types.TaskID
	knownTaskCounts   map[string]int

	// Bounded pool for slow connector/task start work.
	poolSem chan struct{}
	poolWG  sync.WaitGroup

	shutdownMu    sync.Mutex
	shutdownHooks []func(context.Context) error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHerder creates a Herder.
//
// Parameters:
//   - cfg: Configuration (defaults applied, then validated)
//   - member: Group membership transport
//   - store: Shared configuration log
//   - executor: Job execution runtime
//   - opts: Optional dependencies (logger, metrics, hooks, ...)
//
// Returns:
//   - *Herder: The herder, not yet running
//   - error: Validation error or missing dependency
//
// Example:
//
//	h, err := herd.NewHerder(&cfg, member, store, executor,
//	    herd.WithLogger(logger),
//	    herd.WithMetrics(collector),
//	)
func NewHerder(
	cfg *Config,
	member types.GroupMember,
	store types.ConfigStore,
	executor types.Executor,
	opts ...Option,
) (*Herder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if member == nil {
		return nil, ErrGroupMemberRequired
	}
	if store == nil {
		return nil, ErrConfigStoreRequired
	}
	if executor == nil {
		return nil, ErrExecutorRequired
	}

	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := herderOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if options.logger == nil {
		options.logger = logging.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}
	if options.clock == nil {
		options.clock = systemClock{}
	}
	if options.keyGenerator == nil {
		options.keyGenerator = cryptoKeyGenerator{}
	}
	if options.restartPlanner == nil {
		options.restartPlanner = defaultRestartPlanner{}
	}

	cfg.ValidateWithWarnings(options.logger)

	protocol, err := cfg.ProtocolVersion()
	if err != nil {
		return nil, err
	}

	h := &Herder{
		config:          *cfg,
		protocol:        protocol,
		member:          member,
		store:           store,
		executor:        executor,
		logger:          options.logger,
		metrics:         options.metrics,
		hooks:           normalizeHooks(options.hooks),
		clock:           options.clock,
		planner:         options.restartPlanner,
		restarts:        newRestartCoalescer(),
		connUpdates:     xsync.NewMap[string, struct{}](),
		connRemovals:    xsync.NewMap[string, struct{}](),
		taskUpdates:     xsync.NewMap[types.TaskID, struct{}](),
		stateUpdates:    xsync.NewMap[string, struct{}](),
		knownTaskCounts: make(map[string]int),
		poolSem:         make(chan struct{}, cfg.WorkerPoolSize),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}

	h.queue = newRequestQueue(member.Wakeup)
	h.keys = newSessionKeyManager(cfg.SessionKey, options.keyGenerator, options.clock)
	h.catchUp = newCatchUpController(cfg.CatchUp, store, member, options.logger, options.metrics, options.clock)
	h.state.Store(int32(StateInit))

	return h, nil
}

// normalizeHooks fills unset hook callbacks with no-ops so callers never
// need nil checks.
func normalizeHooks(custom *Hooks) Hooks {
	merged := hooks.NewNop()

	if custom == nil {
		return merged
	}

	if custom.OnAssignmentChanged != nil {
		merged.OnAssignmentChanged = custom.OnAssignmentChanged
	}
	if custom.OnConnectorRestarted != nil {
		merged.OnConnectorRestarted = custom.OnConnectorRestarted
	}
	if custom.OnTaskRestarted != nil {
		merged.OnTaskRestarted = custom.OnTaskRestarted
	}
	if custom.OnError != nil {
		merged.OnError = custom.OnError
	}

	return merged
}

// State returns the current lifecycle state.
func (h *Herder) State() State {
	return State(h.state.Load())
}

// WaitState blocks until the herder reaches the expected state or the
// timeout expires. Useful in tests and orderly startup sequences.
//
// Parameters:
//   - expected: State to wait for
//   - timeout: Maximum duration to wait
//
// Returns:
//   - error: context.DeadlineExceeded when the timeout expires first
func (h *Herder) WaitState(expected State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for h.State() != expected {
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		time.Sleep(5 * time.Millisecond)
	}

	return nil
}

// IsLeader reports whether this worker leads the current generation.
func (h *Herder) IsLeader() bool {
	a := h.assignment
	return a != nil && a.Leader != "" && a.Leader == h.member.MemberID()
}

// Generation returns the group generation of the current assignment.
func (h *Herder) Generation() int {
	return h.generation
}

// AddShutdownHook registers a function run during shutdown, after the
// group member and config store have stopped. Hooks run in registration
// order; a failing hook is logged and does not prevent later hooks.
func (h *Herder) AddShutdownHook(hook func(ctx context.Context) error) {
	h.shutdownMu.Lock()
	h.shutdownHooks = append(h.shutdownHooks, hook)
	h.shutdownMu.Unlock()
}

// Run joins the group and drives the coordination loop until the context
// is cancelled or Stop is called.
//
// Run blocks for the lifetime of the worker; callers typically run it on
// a dedicated goroutine.
//
// Returns:
//   - error: ErrAlreadyStarted when called twice, otherwise the joined
//     shutdown errors (nil on clean shutdown)
func (h *Herder) Run(ctx context.Context) error {
	if !h.state.CompareAndSwap(int32(StateInit), int32(StateJoining)) {
		return ErrAlreadyStarted
	}

	h.runCtx = ctx
	h.store.SetUpdateListener(h)

	h.logger.Info("joining group",
		"protocol", h.protocol.String(),
		"advertisedUrl", h.config.AdvertisedURL,
	)

	if err := h.member.Join(ctx); err != nil {
		h.state.Store(int32(StateStopped))
		close(h.doneCh)

		return fmt.Errorf("failed to join group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return h.shutdown(context.Background())
		case <-h.stopCh:
			return h.shutdown(ctx)
		default:
		}

		h.tick(ctx)
	}
}

// Stop requests shutdown and waits for the coordination loop to finish.
//
// Parameters:
//   - ctx: Bounds the wait for Run to return
//
// Returns:
//   - error: ErrNotStarted when Run was never called, or ctx.Err() when
//     the wait times out
func (h *Herder) Stop(ctx context.Context) error {
	if h.State() == StateInit {
		return ErrNotStarted
	}

	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.member.Wakeup()
	})

	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick runs one iteration of the coordination cycle.
func (h *Herder) tick(ctx context.Context) {
	start := h.clock.Now()

	if !h.rebalanceResolved {
		h.handleRebalance(ctx)
	}

	h.processRequests()
	h.processRestartRequests(ctx)
	h.reconcileConfigUpdates(ctx)

	if h.IsLeader() && h.protocol.RequiresSignatures() {
		h.maybeRotateSessionKey(ctx)
	}

	// Last before the poll, so a rejoin requested by this tick's own
	// request or reconcile processing is acted on without waiting a
	// full poll cycle.
	if err := h.member.EnsureActive(ctx); err != nil {
		h.recoverable(ctx, fmt.Errorf("failed to ensure group membership: %w", err))
	}

	h.metrics.RecordTickDuration(h.clock.Now().Sub(start).Seconds())
	h.metrics.RecordRequestQueueDepth(h.queue.len())

	if err := h.member.Poll(ctx, h.pollTimeout()); err != nil && ctx.Err() == nil {
		h.recoverable(ctx, fmt.Errorf("group poll failed: %w", err))
	}
}

// pollTimeout bounds the blocking Poll: the earliest of the configured
// interval, the next due request and (for a signing leader) the session
// key expiry.
func (h *Herder) pollTimeout() time.Duration {
	now := h.clock.Now()
	timeout := h.config.PollInterval

	if at, ok := h.queue.nextDeadline(); ok {
		if until := at.Sub(now); until < timeout {
			timeout = until
		}
	}

	if h.IsLeader() && h.protocol.RequiresSignatures() {
		if at, ok := h.keys.nextRotation(); ok {
			if until := at.Sub(now); until < timeout {
				timeout = until
			}
		}
	}

	if timeout < 0 {
		timeout = 0
	}

	return timeout
}

// recoverable reports a non-fatal tick error to the log and the OnError
// hook.
func (h *Herder) recoverable(ctx context.Context, err error) {
	h.logger.Error("recoverable coordination error", "error", err)

	if hookErr := h.hooks.OnError(ctx, err); hookErr != nil {
		h.logger.Warn("error hook failed", "error", hookErr)
	}
}

// OnRevoked implements types.RebalanceListener. It runs synchronously on
// the coordination goroutine, inside the member's Join/Poll call, before
// OnAssigned for the same round.
func (h *Herder) OnRevoked(leader string, connectors []string, taskIDs []types.TaskID) {
	h.logger.Info("rebalance started, revoking work",
		"leader", leader,
		"connectors", len(connectors),
		"tasks", len(taskIDs),
	)

	h.state.Store(int32(StateRebalancing))
	if h.rebalanceStarted.IsZero() {
		h.rebalanceStarted = h.clock.Now()
	}

	if len(connectors) > 0 {
		h.executor.StopAndAwaitConnectors(connectors)
	}
	if len(taskIDs) > 0 {
		h.executor.StopAndAwaitTasks(taskIDs)
	}

	// Flush before the new generation starts so nobody observes this
	// worker as a zombie owner of the revoked work.
	if err := h.executor.FlushStatuses(h.runCtx); err != nil {
		h.logger.Warn("failed to flush statuses after revocation", "error", err)
	}

	h.revokedConnectors = append(h.revokedConnectors, connectors...)
	h.revokedTasks = append(h.revokedTasks, taskIDs...)
}

// OnAssigned implements types.RebalanceListener. It records the new
// assignment; resolution against the config log happens on the next
// tick in handleRebalance.
func (h *Herder) OnAssigned(assignment *types.ExtendedAssignment, generation int) {
	h.logger.Info("assignment received",
		"leader", assignment.Leader,
		"generation", generation,
		"offset", assignment.Offset,
		"connectors", len(assignment.Connectors),
		"tasks", len(assignment.Tasks),
		"delay", assignment.Delay,
	)

	h.assignment = assignment
	h.generation = generation
	h.rebalanceResolved = false
	if h.rebalanceStarted.IsZero() {
		h.rebalanceStarted = h.clock.Now()
	}
}

// handleRebalance resolves the pending assignment: catch up to its
// config offset, start granted work, and report the ownership delta.
func (h *Herder) handleRebalance(ctx context.Context) {
	a := h.assignment
	if a == nil {
		h.rebalanceResolved = true
		return
	}

	if a.Failed() {
		h.completeRebalance(true)
		h.logger.Warn("assignment carries an error outcome, rejoining",
			"error", int(a.Error),
		)
		// Best effort refresh so the next round's leader sees fresh
		// configs.
		_ = h.store.Refresh(ctx, h.config.CatchUp.RefreshTimeout)
		h.member.RequestRejoin("assignment error")
		h.rebalanceResolved = true

		return
	}

	if !h.catchUp.ensureCaughtUp(ctx, a.Offset, h.IsLeader(), a) {
		h.completeRebalance(true)
		h.rebalanceResolved = true

		return
	}

	addedConnectors, addedTasks := h.startAssignedWork(ctx, a)

	if a.Delay > 0 {
		h.scheduleDelayedRejoin(a.Delay)
	}

	removedConnectors := h.revokedConnectors
	removedTasks := h.revokedTasks
	h.revokedConnectors = nil
	h.revokedTasks = nil

	if err := h.hooks.OnAssignmentChanged(ctx, addedConnectors, removedConnectors, addedTasks, removedTasks); err != nil {
		h.logger.Warn("assignment change hook failed", "error", err)
	}

	h.metrics.RecordAssignmentChange(len(addedConnectors), len(removedConnectors), len(addedTasks), len(removedTasks))
	h.completeRebalance(false)

	snapshot := h.store.Snapshot()
	h.knownTaskCounts = make(map[string]int, len(snapshot.ConnectorTaskCounts))
	for name, count := range snapshot.ConnectorTaskCounts {
		h.knownTaskCounts[name] = count
	}

	h.rebalanceResolved = true
	h.state.Store(int32(StateStable))
}

// completeRebalance records the round's duration metric and resets the
// round clock.
func (h *Herder) completeRebalance(failed bool) {
	if h.rebalanceStarted.IsZero() {
		return
	}

	h.metrics.RecordRebalanceCompleted(h.clock.Now().Sub(h.rebalanceStarted).Seconds(), failed)
	h.rebalanceStarted = time.Time{}
}

// startAssignedWork starts granted connectors and tasks that are not
// already running, and returns what was newly started.
func (h *Herder) startAssignedWork(ctx context.Context, a *types.ExtendedAssignment) ([]string, []types.TaskID) {
	snapshot := h.store.Snapshot()

	var addedConnectors []string
	for _, name := range a.Connectors {
		if h.executor.IsRunning(name) {
			continue
		}
		if !snapshot.Contains(name) {
			h.logger.Warn("assigned connector missing from config snapshot", "connector", name)
			continue
		}

		addedConnectors = append(addedConnectors, name)
		h.startConnector(ctx, name, snapshot)
	}

	running := make(map[types.TaskID]struct{})
	for _, id := range h.executor.TaskIDs() {
		running[id] = struct{}{}
	}

	var addedTasks []types.TaskID
	for _, id := range a.Tasks {
		if _, ok := running[id]; ok {
			continue
		}
		if snapshot.IsInconsistent(id.Connector) {
			h.logger.Warn("skipping task of inconsistent connector", "task", id.String())
			continue
		}

		config, ok := snapshot.TaskConfigs[id]
		if !ok {
			h.logger.Warn("assigned task missing config", "task", id.String())
			continue
		}

		addedTasks = append(addedTasks, id)
		h.startTask(ctx, id, config, snapshot.TargetState(id.Connector))
	}

	return addedConnectors, addedTasks
}

// startConnector submits a connector start to the worker pool. The owner
// triggers task reconfiguration once the connector is up so committed
// task configs track the connector's current config.
func (h *Herder) startConnector(ctx context.Context, name string, snapshot types.ClusterConfigState) {
	config := snapshot.ConnectorConfigs[name]
	targetState := snapshot.TargetState(name)

	h.submit(func() {
		if err := h.executor.StartConnector(ctx, name, config, targetState); err != nil {
			h.logger.Error("failed to start connector", "connector", name, "error", err)
			return
		}

		if targetState == TargetStarted {
			h.reconfigureTasks(ctx, name, config)
		}
	})
}

func (h *Herder) startTask(ctx context.Context, id types.TaskID, config map[string]string, targetState TargetState) {
	h.submit(func() {
		if err := h.executor.StartTask(ctx, id, config, targetState); err != nil {
			h.logger.Error("failed to start task", "task", id.String(), "error", err)
		}
	})
}

// reconfigureTasks asks the running connector for its current task
// configs and commits them when they differ from the snapshot. Runs on a
// pool goroutine; the commit goes through the config store, so every
// worker observes it as a normal log update.
func (h *Herder) reconfigureTasks(ctx context.Context, name string, config map[string]string) {
	taskConfigs, err := h.executor.ConnectorTaskConfigs(ctx, name, config)
	if err != nil {
		h.logger.Error("failed to generate task configs", "connector", name, "error", err)
		return
	}

	snapshot := h.store.Snapshot()
	if !taskConfigsChanged(snapshot, name, taskConfigs) {
		return
	}

	if err := h.store.PutTaskConfigs(ctx, name, taskConfigs); err != nil {
		h.logger.Error("failed to commit task configs", "connector", name, "error", err)
	}
}

// taskConfigsChanged compares generated task configs against the
// committed snapshot.
func taskConfigsChanged(snapshot types.ClusterConfigState, name string, generated []map[string]string) bool {
	if snapshot.ConnectorTaskCounts[name] != len(generated) {
		return true
	}

	for i, config := range generated {
		id := types.TaskID{Connector: name, Task: i}
		committed, ok := snapshot.TaskConfigs[id]
		if !ok || !mapsEqual(committed, config) {
			return true
		}
	}

	return false
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}

	return true
}

// scheduleDelayedRejoin enqueues a self-rejoin request once the leader's
// scheduled rebalance delay elapses, capped by the configured maximum.
func (h *Herder) scheduleDelayedRejoin(delay time.Duration) {
	if delay > h.config.RebalanceDelayMax {
		delay = h.config.RebalanceDelayMax
	}

	h.logger.Info("scheduled rebalance delay imposed", "delay", delay)

	at := h.clock.Now().Add(delay)
	h.queue.add(at, "scheduled rebalance delay elapsed", func() error {
		h.member.RequestRejoin("scheduled rebalance delay elapsed")
		return nil
	})
}

// processRequests runs every due request in (deadline, enqueue) order.
func (h *Herder) processRequests() {
	now := h.clock.Now()

	for {
		req := h.queue.popDue(now)
		if req == nil {
			return
		}

		err := req.action()
		if err != nil {
			h.logger.Debug("request completed with error", "reason", req.reason, "error", err)
		}
		req.done <- err
	}
}

// processRestartRequests drains coalesced restart requests and restarts
// the instances this worker owns.
func (h *Herder) processRestartRequests(ctx context.Context) {
	reqs := h.restarts.drain()
	if len(reqs) == 0 {
		return
	}

	snapshot := h.store.Snapshot()

	for _, req := range reqs {
		h.executeRestart(ctx, req, snapshot)
	}
}

func (h *Herder) executeRestart(ctx context.Context, req types.RestartRequest, snapshot types.ClusterConfigState) {
	if !snapshot.Contains(req.ConnectorName) {
		h.logger.Debug("dropping restart request for unknown connector", "connector", req.ConnectorName)
		return
	}

	ownsConnector := h.ownsConnector(req.ConnectorName)
	connectorFailed := ownsConnector && !h.executor.IsRunning(req.ConnectorName)
	failedTasks := h.failedOwnedTasks(req.ConnectorName)

	plan := h.planner.Plan(req, &snapshot, connectorFailed, failedTasks)

	restartConnector := plan.RestartConnector && ownsConnector
	tasksToRestart := h.intersectOwnedTasks(plan.TasksToRestart)

	if !restartConnector && len(tasksToRestart) == 0 {
		return
	}

	h.logger.Info("executing restart request",
		"connector", req.ConnectorName,
		"onlyFailed", req.OnlyFailed,
		"includeTasks", req.IncludeTasks,
		"restartConnector", restartConnector,
		"tasks", len(tasksToRestart),
	)

	if restartConnector {
		h.executor.StopAndAwaitConnector(req.ConnectorName)
	}
	if len(tasksToRestart) > 0 {
		h.executor.StopAndAwaitTasks(tasksToRestart)
	}

	restartSnapshot := h.store.Snapshot()

	if restartConnector {
		h.startConnector(ctx, req.ConnectorName, restartSnapshot)
		if err := h.hooks.OnConnectorRestarted(ctx, req.ConnectorName); err != nil {
			h.logger.Warn("connector restart hook failed", "connector", req.ConnectorName, "error", err)
		}
	}

	for _, id := range tasksToRestart {
		config, ok := restartSnapshot.TaskConfigs[id]
		if !ok {
			continue
		}
		h.startTask(ctx, id, config, restartSnapshot.TargetState(id.Connector))
		if err := h.hooks.OnTaskRestarted(ctx, id); err != nil {
			h.logger.Warn("task restart hook failed", "task", id.String(), "error", err)
		}
	}

	h.metrics.RecordRestart(req.ConnectorName, len(tasksToRestart))
}

func (h *Herder) ownsConnector(name string) bool {
	if h.assignment == nil {
		return false
	}

	return slices.Contains(h.assignment.Connectors, name)
}

func (h *Herder) ownsTask(id types.TaskID) bool {
	if h.assignment == nil {
		return false
	}

	return slices.Contains(h.assignment.Tasks, id)
}

// failedOwnedTasks returns owned tasks of the connector that should be
// running but are not.
func (h *Herder) failedOwnedTasks(connector string) []types.TaskID {
	if h.assignment == nil {
		return nil
	}

	running := make(map[types.TaskID]struct{})
	for _, id := range h.executor.TaskIDs() {
		running[id] = struct{}{}
	}

	var failed []types.TaskID
	for _, id := range h.assignment.Tasks {
		if id.Connector != connector {
			continue
		}
		if _, ok := running[id]; !ok {
			failed = append(failed, id)
		}
	}

	return failed
}

func (h *Herder) intersectOwnedTasks(ids []types.TaskID) []types.TaskID {
	var owned []types.TaskID
	for _, id := range ids {
		if h.ownsTask(id) {
			owned = append(owned, id)
		}
	}

	return owned
}

// reconcileConfigUpdates applies buffered config store changes: connector
// removals and updates, task config updates and target state changes.
// Applying an already-applied snapshot is a no-op.
func (h *Herder) reconcileConfigUpdates(ctx context.Context) {
	snapshot := h.store.Snapshot()

	for _, name := range drainKeys(h.connRemovals) {
		h.applyConnectorRemoval(name)
	}

	for _, name := range drainKeys(h.connUpdates) {
		h.applyConnectorUpdate(ctx, name, snapshot)
	}

	for _, id := range drainKeys(h.taskUpdates) {
		h.applyTaskUpdate(ctx, id, snapshot)
	}

	for _, name := range drainKeys(h.stateUpdates) {
		h.applyTargetStateChange(name, snapshot)
	}
}

func drainKeys[K comparable](m *xsync.Map[K, struct{}]) []K {
	var keys []K
	m.Range(func(k K, _ struct{}) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		m.Delete(k)
	}

	return keys
}

// applyConnectorRemoval stops a deleted connector's local work and asks
// for a rebalance so its tasks leave every worker's assignment.
func (h *Herder) applyConnectorRemoval(name string) {
	h.logger.Info("connector removed from config log", "connector", name)

	if h.executor.IsRunning(name) {
		h.executor.StopAndAwaitConnector(name)
	}

	var ownedTasks []types.TaskID
	for _, id := range h.executor.TaskIDs() {
		if id.Connector == name {
			ownedTasks = append(ownedTasks, id)
		}
	}
	if len(ownedTasks) > 0 {
		h.executor.StopAndAwaitTasks(ownedTasks)
	}

	delete(h.knownTaskCounts, name)
	h.member.RequestRejoin("connector removed")
}

// applyConnectorUpdate restarts an owned connector with its new config.
// A changed task count needs redistribution, so that case requests a
// rejoin instead of being handled locally.
func (h *Herder) applyConnectorUpdate(ctx context.Context, name string, snapshot types.ClusterConfigState) {
	if !snapshot.Contains(name) {
		// Removal raced the update notification.
		return
	}

	known, seenBefore := h.knownTaskCounts[name]
	current := snapshot.ConnectorTaskCounts[name]
	if seenBefore && known != current {
		h.knownTaskCounts[name] = current
		h.member.RequestRejoin("connector task count changed")

		return
	}
	h.knownTaskCounts[name] = current

	if !h.ownsConnector(name) {
		return
	}

	h.logger.Info("restarting connector with updated config", "connector", name)

	if h.executor.IsRunning(name) {
		h.executor.StopAndAwaitConnector(name)
	}
	h.startConnector(ctx, name, snapshot)
}

// applyTaskUpdate restarts an owned task with its newly committed config.
func (h *Herder) applyTaskUpdate(ctx context.Context, id types.TaskID, snapshot types.ClusterConfigState) {
	if !h.ownsTask(id) {
		return
	}

	config, ok := snapshot.TaskConfigs[id]
	if !ok || snapshot.IsInconsistent(id.Connector) {
		return
	}

	h.executor.StopAndAwaitTasks([]types.TaskID{id})
	h.startTask(ctx, id, config, snapshot.TargetState(id.Connector))
}

// applyTargetStateChange transitions local instances of the connector to
// the new desired state. Every worker applies this for the tasks it
// owns; pausing never stops or restarts anything.
func (h *Herder) applyTargetStateChange(name string, snapshot types.ClusterConfigState) {
	if !snapshot.Contains(name) {
		return
	}

	state := snapshot.TargetState(name)
	h.logger.Info("applying target state", "connector", name, "state", string(state))
	h.executor.SetTargetState(name, state)
}

// maybeRotateSessionKey mints and publishes a fresh session key when the
// leader has none or the current one expired. The minted key is adopted
// only when it replicates back through the config log, so every worker
// including the leader observes the same key.
func (h *Herder) maybeRotateSessionKey(ctx context.Context) {
	if !h.keys.needsRotation() {
		return
	}

	key, err := h.keys.mint()
	if err != nil {
		h.recoverable(ctx, fmt.Errorf("failed to mint session key: %w", err))
		return
	}

	if err := h.store.PutSessionKey(ctx, key); err != nil {
		// Retried next tick.
		h.recoverable(ctx, fmt.Errorf("failed to publish session key: %w", err))
		return
	}

	h.logger.Info("session key rotated", "algorithm", key.Algorithm)
	h.metrics.RecordSessionKeyRotation()
}

// submit runs fn on the bounded worker pool.
func (h *Herder) submit(fn func()) {
	h.poolWG.Add(1)
	go func() {
		defer h.poolWG.Done()

		h.poolSem <- struct{}{}
		defer func() { <-h.poolSem }()

		fn()
	}()
}

// shutdown tears the worker down in two phases: first stop owned work so
// ownership is released cleanly, then stop the transports and run
// registered shutdown hooks.
func (h *Herder) shutdown(ctx context.Context) error {
	h.state.Store(int32(StateShutdown))
	h.logger.Info("shutting down")

	if h.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.ShutdownTimeout)
		defer cancel()
	}

	h.queue.drain(ErrShuttingDown)

	var errs []error

	// Phase 1: stop owned work and flush so status readers observe an
	// orderly departure.
	h.executor.StopAndAwaitConnectors(h.executor.ConnectorNames())
	h.executor.StopAndAwaitTasks(h.executor.TaskIDs())
	if err := h.executor.FlushStatuses(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush statuses: %w", err))
	}

	h.poolWG.Wait()

	// Phase 2: leave the group, stop the config store, then run hooks.
	if err := h.member.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop group member: %w", err))
	}
	if err := h.store.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop config store: %w", err))
	}

	h.shutdownMu.Lock()
	shutdownHooks := slices.Clone(h.shutdownHooks)
	h.shutdownMu.Unlock()

	for _, hook := range shutdownHooks {
		if err := hook(ctx); err != nil {
			h.logger.Warn("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}

	h.state.Store(int32(StateStopped))
	close(h.doneCh)
	h.logger.Info("shutdown complete")

	return errors.Join(errs...)
}

// OnConnectorConfigUpdate implements types.UpdateListener.
func (h *Herder) OnConnectorConfigUpdate(connector string) {
	h.connUpdates.Store(connector, struct{}{})
	h.member.Wakeup()
}

// OnConnectorConfigRemove implements types.UpdateListener.
func (h *Herder) OnConnectorConfigRemove(connector string) {
	h.connRemovals.Store(connector, struct{}{})
	h.member.Wakeup()
}

// OnTaskConfigUpdate implements types.UpdateListener.
func (h *Herder) OnTaskConfigUpdate(taskIDs []types.TaskID) {
	for _, id := range taskIDs {
		h.taskUpdates.Store(id, struct{}{})
	}
	h.member.Wakeup()
}

// OnConnectorTargetStateChange implements types.UpdateListener.
func (h *Herder) OnConnectorTargetStateChange(connector string) {
	h.stateUpdates.Store(connector, struct{}{})
	h.member.Wakeup()
}

// OnSessionKeyUpdate implements types.UpdateListener.
func (h *Herder) OnSessionKeyUpdate(key types.SessionKey) {
	h.keys.adopt(key)
}

// OnRestartRequest implements types.UpdateListener.
func (h *Herder) OnRestartRequest(request types.RestartRequest) {
	if h.restarts.offer(request) {
		h.member.Wakeup()
	}
}

// enqueue schedules an action onto the coordination goroutine and blocks
// for its result.
func (h *Herder) enqueue(ctx context.Context, reason string, action func() error) error {
	switch h.State() {
	case StateInit:
		return ErrNotStarted
	case StateShutdown, StateStopped:
		return ErrShuttingDown
	default:
	}

	done := h.queue.add(time.Time{}, reason, action)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connectors lists the connectors known to the cluster.
//
// Returns:
//   - []string: Sorted connector names
//   - error: Lifecycle errors only
func (h *Herder) Connectors(ctx context.Context) ([]string, error) {
	var names []string
	err := h.enqueue(ctx, "list connectors", func() error {
		names = h.store.Snapshot().Connectors()
		return nil
	})

	return names, err
}

// ConnectorConfig returns the committed configuration of a connector.
//
// Returns:
//   - map[string]string: The connector configuration
//   - error: *NotFoundError for unknown connectors
func (h *Herder) ConnectorConfig(ctx context.Context, name string) (map[string]string, error) {
	var config map[string]string
	err := h.enqueue(ctx, "get connector config", func() error {
		snapshot := h.store.Snapshot()
		if !snapshot.Contains(name) {
			return &NotFoundError{ID: name}
		}
		config = snapshot.ConnectorConfigs[name]

		return nil
	})

	return config, err
}

// ConnectorInfo returns the full external view of a connector.
//
// Returns:
//   - *types.ConnectorInfo: Name, config, task IDs and desired state
//   - error: *NotFoundError for unknown connectors
func (h *Herder) ConnectorInfo(ctx context.Context, name string) (*types.ConnectorInfo, error) {
	var info *types.ConnectorInfo
	err := h.enqueue(ctx, "get connector info", func() error {
		snapshot := h.store.Snapshot()
		if !snapshot.Contains(name) {
			return &NotFoundError{ID: name}
		}

		info = &types.ConnectorInfo{
			Name:        name,
			Config:      snapshot.ConnectorConfigs[name],
			Tasks:       snapshot.Tasks(name),
			TargetState: snapshot.TargetState(name),
		}

		return nil
	})

	return info, err
}

// PutConnectorConfig creates or replaces a connector configuration.
// Only the leader mutates the config log; other workers return
// *NotLeaderError carrying the leader's URL for forwarding.
//
// Parameters:
//   - ctx: Context for cancellation
//   - name: Connector name
//   - config: Connector configuration, must be non-empty
//   - allowReplace: Permit overwriting an existing connector
//
// Returns:
//   - error: *NotLeaderError, *AlreadyExistsError, *BadRequestError or a
//     store write failure
func (h *Herder) PutConnectorConfig(ctx context.Context, name string, config map[string]string, allowReplace bool) error {
	return h.enqueue(ctx, "put connector config", func() error {
		if name == "" {
			return &BadRequestError{Reason: "connector name is empty"}
		}
		if len(config) == 0 {
			return &BadRequestError{Reason: "connector config is empty"}
		}
		if err := h.requireLeader(); err != nil {
			return err
		}

		if !allowReplace && h.store.Snapshot().Contains(name) {
			return &AlreadyExistsError{ID: name}
		}

		if err := h.store.PutConnectorConfig(ctx, name, config); err != nil {
			return fmt.Errorf("failed to write connector config: %w", err)
		}

		return nil
	})
}

// DeleteConnectorConfig removes a connector. Leader only.
//
// Returns:
//   - error: *NotLeaderError, *NotFoundError or a store write failure
func (h *Herder) DeleteConnectorConfig(ctx context.Context, name string) error {
	return h.enqueue(ctx, "delete connector config", func() error {
		if err := h.requireLeader(); err != nil {
			return err
		}
		if !h.store.Snapshot().Contains(name) {
			return &NotFoundError{ID: name}
		}

		if err := h.store.RemoveConnectorConfig(ctx, name); err != nil {
			return fmt.Errorf("failed to remove connector config: %w", err)
		}

		return nil
	})
}

// RestartConnector replicates a restart request to every worker; each
// worker restarts the instances it owns.
//
// Returns:
//   - error: *NotFoundError for unknown connectors or a store write
//     failure
func (h *Herder) RestartConnector(ctx context.Context, req types.RestartRequest) error {
	return h.enqueue(ctx, "restart connector", func() error {
		if !h.store.Snapshot().Contains(req.ConnectorName) {
			return &NotFoundError{ID: req.ConnectorName}
		}

		if err := h.store.PutRestartRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to write restart request: %w", err)
		}

		return nil
	})
}

// PauseConnector sets the connector's desired state to paused. Paused
// instances stay allocated; no task stops or starts.
func (h *Herder) PauseConnector(ctx context.Context, name string) error {
	return h.putTargetState(ctx, name, TargetPaused)
}

// ResumeConnector sets the connector's desired state back to started.
func (h *Herder) ResumeConnector(ctx context.Context, name string) error {
	return h.putTargetState(ctx, name, TargetStarted)
}

func (h *Herder) putTargetState(ctx context.Context, name string, state TargetState) error {
	return h.enqueue(ctx, "put target state", func() error {
		if !h.store.Snapshot().Contains(name) {
			return &NotFoundError{ID: name}
		}

		if err := h.store.PutTargetState(ctx, name, state); err != nil {
			return fmt.Errorf("failed to write target state: %w", err)
		}

		return nil
	})
}

// TaskConfigs returns the committed task configurations of a connector.
//
// Returns:
//   - []types.TaskInfo: One entry per committed task, ordered by task
//     number
//   - error: *NotFoundError for unknown connectors
func (h *Herder) TaskConfigs(ctx context.Context, name string) ([]types.TaskInfo, error) {
	var infos []types.TaskInfo
	err := h.enqueue(ctx, "get task configs", func() error {
		snapshot := h.store.Snapshot()
		if !snapshot.Contains(name) {
			return &NotFoundError{ID: name}
		}

		for _, id := range snapshot.Tasks(name) {
			infos = append(infos, types.TaskInfo{
				ID:     id,
				Config: snapshot.TaskConfigs[id],
			})
		}

		return nil
	})

	return infos, err
}

// PutTaskConfigs commits the full task config set for a connector on
// behalf of its owner. Leader only; under the newest protocol version
// the request must carry a valid signature over the canonical payload.
//
// Parameters:
//   - ctx: Context for cancellation
//   - name: Connector name
//   - configs: Complete ordered task config set
//   - sig: MAC over TaskConfigsPayload (required when the negotiated
//     protocol mandates signing, ignored otherwise)
//
// Returns:
//   - error: *NotLeaderError, *NotFoundError, *BadRequestError,
//     ErrPossiblyStaleKey or a store write failure
func (h *Herder) PutTaskConfigs(ctx context.Context, name string, configs []map[string]string, sig []byte) error {
	return h.enqueue(ctx, "put task configs", func() error {
		if err := h.requireLeader(); err != nil {
			return err
		}
		if !h.store.Snapshot().Contains(name) {
			return &NotFoundError{ID: name}
		}

		if h.member.ProtocolVersion().RequiresSignatures() {
			if err := h.verifyTaskConfigsSignature(name, configs, sig); err != nil {
				return err
			}
		}

		if err := h.store.PutTaskConfigs(ctx, name, configs); err != nil {
			return fmt.Errorf("failed to write task configs: %w", err)
		}

		return nil
	})
}

// RequestTaskReconfiguration asks the owner of a connector to regenerate
// and commit its task configs. Non-owners return *NotAssignedError with
// the owner's URL so the caller can forward.
//
// Returns:
//   - error: *NotAssignedError, *NotFoundError
func (h *Herder) RequestTaskReconfiguration(ctx context.Context, name string) error {
	return h.enqueue(ctx, "request task reconfiguration", func() error {
		snapshot := h.store.Snapshot()
		if !snapshot.Contains(name) {
			return &NotFoundError{ID: name}
		}

		if !h.ownsConnector(name) {
			return &NotAssignedError{ID: name, ForwardURL: h.member.OwnerURL(name)}
		}

		config := snapshot.ConnectorConfigs[name]
		h.submit(func() {
			h.reconfigureTasks(h.runCtx, name, config)
		})

		return nil
	})
}

// TaskConfigsPayload returns the canonical bytes signed for a
// PutTaskConfigs request: the connector name and the JSON encoding of
// the config set.
func TaskConfigsPayload(name string, configs []map[string]string) ([]byte, error) {
	encoded, err := json.Marshal(struct {
		Connector string              `json:"connector"`
		Configs   []map[string]string `json:"configs"`
	}{Connector: name, Configs: configs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task configs payload: %w", err)
	}

	return encoded, nil
}

func (h *Herder) verifyTaskConfigsSignature(name string, configs []map[string]string, sig []byte) error {
	if len(sig) == 0 {
		return &BadRequestError{Reason: "task config write requires a signature"}
	}

	key := h.keys.current()
	if key.IsZero() {
		return ErrPossiblyStaleKey
	}

	payload, err := TaskConfigsPayload(name, configs)
	if err != nil {
		return &BadRequestError{Reason: err.Error()}
	}

	ok, err := signature.Verify(key, payload, sig)
	if err != nil {
		return &BadRequestError{Reason: err.Error()}
	}
	if !ok {
		if h.keys.possiblyStale(h.clock.Now()) {
			return ErrPossiblyStaleKey
		}

		return &BadRequestError{Reason: "invalid task config signature"}
	}

	return nil
}

// SignTaskConfigs signs a task config set with the current session key,
// for submission to the leader's PutTaskConfigs.
//
// Returns:
//   - []byte: The MAC
//   - error: No session key replicated yet, or encoding failure
func (h *Herder) SignTaskConfigs(name string, configs []map[string]string) ([]byte, error) {
	key := h.keys.current()
	if key.IsZero() {
		return nil, ErrPossiblyStaleKey
	}

	payload, err := TaskConfigsPayload(name, configs)
	if err != nil {
		return nil, err
	}

	return signature.Sign(key, payload)
}

// requireLeader returns *NotLeaderError when this worker does not lead
// the current generation.
func (h *Herder) requireLeader() error {
	if h.IsLeader() {
		return nil
	}

	var leaderURL string
	if h.assignment != nil {
		leaderURL = h.assignment.LeaderURL
	}

	return &NotLeaderError{LeaderURL: leaderURL}
}
