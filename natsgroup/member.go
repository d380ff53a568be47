// Package natsgroup implements the group membership transport on NATS
// JetStream.
//
// Workers register themselves in a TTL'd KV bucket and keep their
// registration alive with heartbeats. Leadership is decided by an atomic
// claim on a leader key in the same bucket. The leader watches the
// member set, computes assignments with the negotiated protocol's
// assignor and fans them out through per-member KV keys; every member
// watches its own assignment key and fires the rebalance callbacks
// synchronously from inside Join/Poll on the caller's goroutine.
package natsgroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/herdlib/herd/internal/kvutil"
	"github.com/herdlib/herd/internal/logging"
	"github.com/herdlib/herd/protocol"
	"github.com/herdlib/herd/types"
)

const (
	leaderKey        = "leader"
	generationKey    = "generation"
	memberKeyPrefix  = "member."
	ownedKeyPrefix   = "owned."
	assignKeyPrefix  = "assignment."
	eventBufferSize  = 128
	kvRequestTimeout = 5 * time.Second
)

// registration is the value of a member.<id> key. The epoch increments
// on every explicit (re)join so the leader can tell a rejoin from a
// heartbeat refresh.
type registration struct {
	ID       string                `json:"id"`
	URL      string                `json:"url"`
	Protocol types.ProtocolVersion `json:"protocol"`
	Epoch    int64                 `json:"epoch"`
}

// ownership is the value of an owned.<id> key: the work a member
// currently runs, reported for the leader's next round and for
// OwnerURL lookups.
type ownership struct {
	Connectors []string       `json:"connectors"`
	Tasks      []types.TaskID `json:"tasks"`
}

// envelope wraps a serialized assignment with its group generation.
type envelope struct {
	Generation int             `json:"generation"`
	Assignment json.RawMessage `json:"assignment"`
}

type eventKind int

const (
	evMembership eventKind = iota
	evAssignment
)

type event struct {
	kind  eventKind
	entry jetstream.KeyValueEntry
}

// Option configures a Member.
type Option func(*Member)

// WithLogger sets a logger.
func WithLogger(logger types.Logger) Option {
	return func(m *Member) {
		m.logger = logger
	}
}

// Member is the NATS-backed types.GroupMember.
//
// All methods except Wakeup must be called from a single goroutine, per
// the GroupMember contract.
type Member struct {
	cfg        Config
	conn       *nats.Conn
	listener   types.RebalanceListener
	snapshotFn func() types.ClusterConfigState
	logger     types.Logger

	js       jetstream.JetStream
	members  jetstream.KeyValue
	coord    jetstream.KeyValue
	election *leaderElection

	eager *protocol.Eager
	coop  *protocol.Cooperative

	memberID string
	epoch    int64

	events   chan event
	wakeupCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	rejoin       atomic.Bool
	needsBalance atomic.Bool
	negotiated   atomic.Int32

	// Coordination-goroutine-owned state.
	joined         bool
	generation     int
	ownedConns     []string
	ownedTasks     []types.TaskID
	knownMembers   map[string]int64 // member ID -> epoch, for rebalance triggering
}

var _ types.GroupMember = (*Member)(nil)

// New creates a NATS group member.
//
// The rebalance listener is injected separately with SetListener, since
// the listener (typically the Herder) is constructed with the member as
// a dependency.
//
// Parameters:
//   - conn: NATS connection (owned by the caller)
//   - cfg: Transport configuration
//   - snapshotFn: Source of the leader's config snapshot when computing
//     assignments
//   - opts: Optional dependencies
//
// Returns:
//   - *Member: The member, not yet joined
//   - error: Configuration error
func New(
	conn *nats.Conn,
	cfg Config,
	snapshotFn func() types.ClusterConfigState,
	opts ...Option,
) (*Member, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if snapshotFn == nil {
		return nil, errors.New("snapshot function is required")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid group config: %w", err)
	}

	m := &Member{
		cfg:          cfg,
		conn:         conn,
		snapshotFn:   snapshotFn,
		logger:       logging.NewNop(),
		eager:        protocol.NewEager(),
		coop:         protocol.NewCooperative(cfg.Protocol, cfg.RebalanceDelay),
		memberID:     uuid.NewString(),
		events:       make(chan event, eventBufferSize),
		wakeupCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		knownMembers: make(map[string]int64),
	}
	m.negotiated.Store(int32(cfg.Protocol))

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// SetListener injects the rebalance callback sink, typically the
// Herder. Must be called before Join.
func (m *Member) SetListener(listener types.RebalanceListener) {
	m.listener = listener
}

// MemberID returns this worker's member ID, empty before the first join.
func (m *Member) MemberID() string {
	if !m.joined {
		return ""
	}

	return m.memberID
}

// ProtocolVersion returns the protocol version negotiated with the
// group, or the configured version before the first rebalance.
func (m *Member) ProtocolVersion() types.ProtocolVersion {
	return types.ProtocolVersion(m.negotiated.Load())
}

// Join registers with the group and blocks until the first assignment
// arrives. Rebalance callbacks fire synchronously from inside this call.
func (m *Member) Join(ctx context.Context) error {
	if m.listener == nil {
		return errors.New("rebalance listener not set, call SetListener before Join")
	}

	js, err := jetstream.New(m.conn)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	m.js = js

	m.members, err = kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:   m.cfg.membersBucket(),
		TTL:      m.cfg.SessionTTL,
		Replicas: m.cfg.Replicas,
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to ensure members bucket: %w", err)
	}

	m.coord, err = kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:   m.cfg.coordBucket(),
		Replicas: m.cfg.Replicas,
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to ensure coordination bucket: %w", err)
	}

	m.election = newLeaderElection(m.members, leaderKey)

	if err := m.register(ctx); err != nil {
		return err
	}
	if err := m.reportOwnership(ctx); err != nil {
		return err
	}

	if err := m.startWatcher(ctx, memberKeyPrefix+">", evMembership); err != nil {
		return err
	}
	if err := m.startWatcher(ctx, assignKeyPrefix+m.memberID, evAssignment); err != nil {
		return err
	}

	m.startHeartbeat()
	m.joined = true

	if _, err := m.election.contend(ctx, m.memberID); err != nil {
		m.logger.Warn("leader contention failed", "error", err)
	}
	m.needsBalance.Store(true)

	m.logger.Info("joined group",
		"group", m.cfg.GroupID,
		"member", m.memberID,
		"protocol", m.cfg.Protocol.String(),
	)

	// Block until the first assignment is applied.
	for {
		handled, err := m.pollOnce(ctx, m.cfg.SessionTTL)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
}

// Poll blocks for up to timeout waiting for group activity. Rebalance
// callbacks and leader duties run inside this call, on the caller's
// goroutine.
func (m *Member) Poll(ctx context.Context, timeout time.Duration) error {
	if !m.joined {
		return errors.New("not joined")
	}

	_, err := m.pollOnce(ctx, timeout)

	return err
}

// pollOnce waits for one unit of group activity and reports whether an
// assignment was applied.
func (m *Member) pollOnce(ctx context.Context, timeout time.Duration) (bool, error) {
	if m.election.IsLeader() && m.needsBalance.Swap(false) {
		if err := m.computeAssignments(ctx); err != nil {
			m.logger.Error("failed to compute assignments", "error", err)
			m.needsBalance.Store(true)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-m.events:
			if m.handleEvent(ctx, ev) {
				return true, nil
			}
			// Leader duties may have become due.
			if m.election.IsLeader() && m.needsBalance.Swap(false) {
				if err := m.computeAssignments(ctx); err != nil {
					m.logger.Error("failed to compute assignments", "error", err)
					m.needsBalance.Store(true)
				}
			}
		case <-m.wakeupCh:
			return false, nil
		case <-timer.C:
			return false, nil
		case <-m.stopCh:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Wakeup interrupts a concurrent Poll. Safe from any goroutine.
func (m *Member) Wakeup() {
	select {
	case m.wakeupCh <- struct{}{}:
	default:
	}
}

// EnsureActive re-registers with the group when a rejoin was requested.
func (m *Member) EnsureActive(ctx context.Context) error {
	if !m.joined || !m.rejoin.Swap(false) {
		return nil
	}

	m.logger.Info("rejoining group", "member", m.memberID)

	if err := m.register(ctx); err != nil {
		m.rejoin.Store(true)
		return err
	}

	return m.reportOwnership(ctx)
}

// RequestRejoin flags the member to rejoin on its next ensure cycle.
func (m *Member) RequestRejoin(reason string) {
	m.logger.Info("rejoin requested", "reason", reason)
	m.rejoin.Store(true)
	m.Wakeup()
}

// MaybeLeaveGroup leaves the group if currently joined.
func (m *Member) MaybeLeaveGroup(ctx context.Context, reason string) error {
	if !m.joined {
		return nil
	}

	m.logger.Info("leaving group", "member", m.memberID, "reason", reason)

	if err := m.election.resign(ctx); err != nil {
		m.logger.Warn("failed to resign leadership", "error", err)
	}

	if err := m.members.Delete(ctx, memberKeyPrefix+m.memberID); err != nil {
		return fmt.Errorf("failed to delete member registration: %w", err)
	}

	return nil
}

// RevokeAssignment surrenders the given assignment: ownership is
// reported empty and the registration epoch bumps so the leader
// redistributes on its next round.
func (m *Member) RevokeAssignment(ctx context.Context, _ *types.ExtendedAssignment) error {
	m.ownedConns = nil
	m.ownedTasks = nil

	if err := m.reportOwnership(ctx); err != nil {
		return err
	}

	return m.register(ctx)
}

// OwnerURL returns the advertised URL of the worker owning the given
// connector or task ID, or "" when unknown.
func (m *Member) OwnerURL(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), kvRequestTimeout)
	defer cancel()

	ownerID := m.findOwner(ctx, id)
	if ownerID == "" {
		return ""
	}

	entry, err := m.members.Get(ctx, memberKeyPrefix+ownerID)
	if err != nil {
		return ""
	}

	var reg registration
	if err := json.Unmarshal(entry.Value(), &reg); err != nil {
		return ""
	}

	return reg.URL
}

// Stop leaves the group and releases transport resources.
func (m *Member) Stop(ctx context.Context) error {
	if !m.joined {
		return nil
	}

	err := m.MaybeLeaveGroup(ctx, "shutting down")

	close(m.stopCh)
	m.wg.Wait()
	m.joined = false

	return err
}

func (m *Member) register(ctx context.Context) error {
	m.epoch++
	value, err := json.Marshal(registration{
		ID:       m.memberID,
		URL:      m.cfg.AdvertisedURL,
		Protocol: m.cfg.Protocol,
		Epoch:    m.epoch,
	})
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	if _, err := m.members.Put(ctx, memberKeyPrefix+m.memberID, value); err != nil {
		return fmt.Errorf("failed to register member: %w", err)
	}

	return nil
}

// heartbeat refreshes the registration without bumping the epoch, so
// the leader does not mistake liveness for a rejoin.
func (m *Member) heartbeat(ctx context.Context) error {
	value, err := json.Marshal(registration{
		ID:       m.memberID,
		URL:      m.cfg.AdvertisedURL,
		Protocol: m.cfg.Protocol,
		Epoch:    m.epoch,
	})
	if err != nil {
		return err
	}

	_, err = m.members.Put(ctx, memberKeyPrefix+m.memberID, value)

	return err
}

func (m *Member) reportOwnership(ctx context.Context) error {
	value, err := json.Marshal(ownership{
		Connectors: m.ownedConns,
		Tasks:      m.ownedTasks,
	})
	if err != nil {
		return fmt.Errorf("failed to encode ownership: %w", err)
	}

	if _, err := m.coord.Put(ctx, ownedKeyPrefix+m.memberID, value); err != nil {
		return fmt.Errorf("failed to report ownership: %w", err)
	}

	return nil
}

func (m *Member) startHeartbeat() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), kvRequestTimeout)

				if err := m.heartbeat(ctx); err != nil {
					m.logger.Warn("heartbeat failed", "error", err)
				}

				wasLeader := m.election.IsLeader()
				isLeader, err := m.election.contend(ctx, m.memberID)
				if err != nil {
					m.logger.Warn("leader contention failed", "error", err)
				}
				if isLeader && !wasLeader {
					m.logger.Info("acquired group leadership", "member", m.memberID)
					m.needsBalance.Store(true)
					m.Wakeup()
				}

				cancel()
			}
		}
	}()
}

func (m *Member) startWatcher(ctx context.Context, pattern string, kind eventKind) error {
	watcher, err := m.pickBucket(kind).Watch(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", pattern, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { _ = watcher.Stop() }()

		for {
			select {
			case <-m.stopCh:
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial replay.
					continue
				}

				select {
				case m.events <- event{kind: kind, entry: entry}:
				case <-m.stopCh:
					return
				}
			}
		}
	}()

	return nil
}

func (m *Member) pickBucket(kind eventKind) jetstream.KeyValue {
	if kind == evMembership {
		return m.members
	}

	return m.coord
}

// handleEvent processes one watcher event and reports whether an
// assignment was applied.
func (m *Member) handleEvent(ctx context.Context, ev event) bool {
	switch ev.kind {
	case evMembership:
		m.handleMembershipEntry(ev.entry)
		return false
	case evAssignment:
		return m.applyAssignment(ctx, ev.entry)
	default:
		return false
	}
}

// handleMembershipEntry flags a rebalance when the member set changes or
// a member rejoins (epoch bump). Heartbeat refreshes are ignored.
func (m *Member) handleMembershipEntry(entry jetstream.KeyValueEntry) {
	id := strings.TrimPrefix(entry.Key(), memberKeyPrefix)

	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		if _, ok := m.knownMembers[id]; ok {
			delete(m.knownMembers, id)
			m.logger.Info("member departed", "member", id)
			m.needsBalance.Store(true)
		}
	case jetstream.KeyValuePut:
		var reg registration
		if err := json.Unmarshal(entry.Value(), &reg); err != nil {
			m.logger.Warn("malformed member registration", "member", id, "error", err)
			return
		}

		epoch, known := m.knownMembers[id]
		if !known || epoch != reg.Epoch {
			m.knownMembers[id] = reg.Epoch
			m.needsBalance.Store(true)
		}
	}
}

// computeAssignments runs one leader round: gather members and their
// reported ownership, negotiate the protocol version, assign, and fan
// the results out.
func (m *Member) computeAssignments(ctx context.Context) error {
	regs, err := m.listRegistrations(ctx)
	if err != nil {
		return err
	}
	if len(regs) == 0 {
		return nil
	}

	minVersion := m.cfg.Protocol
	members := make([]protocol.Member, 0, len(regs))
	for _, reg := range regs {
		if reg.Protocol < minVersion {
			minVersion = reg.Protocol
		}

		owned := m.lookupOwnership(ctx, reg.ID)
		members = append(members, protocol.Member{
			ID:         reg.ID,
			URL:        reg.URL,
			Connectors: owned.Connectors,
			Tasks:      owned.Tasks,
		})
	}

	snapshot := m.snapshotFn()
	input := protocol.AssignmentInput{
		LeaderID:  m.memberID,
		LeaderURL: m.cfg.AdvertisedURL,
		Offset:    snapshot.Offset,
		State:     snapshot,
		Members:   members,
	}

	var assignments map[string]*types.ExtendedAssignment
	if minVersion == types.ProtocolEager {
		assignments, err = m.eager.Assign(input)
	} else {
		assignments, err = m.coop.Assign(input)
	}
	if err != nil {
		return fmt.Errorf("assignor failed: %w", err)
	}

	genRevision, err := m.coord.Put(ctx, generationKey, []byte(m.memberID))
	if err != nil {
		return fmt.Errorf("failed to advance generation: %w", err)
	}
	generation := int(genRevision)

	m.logger.Info("computed assignments",
		"generation", generation,
		"members", len(members),
		"protocol", minVersion.String(),
		"offset", snapshot.Offset,
	)

	for id, a := range assignments {
		a.Version = minVersion

		payload, err := protocol.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to serialize assignment for %s: %w", id, err)
		}

		wrapped, err := json.Marshal(envelope{Generation: generation, Assignment: payload})
		if err != nil {
			return fmt.Errorf("failed to wrap assignment: %w", err)
		}

		if _, err := m.coord.Put(ctx, assignKeyPrefix+id, wrapped); err != nil {
			return fmt.Errorf("failed to publish assignment for %s: %w", id, err)
		}
	}

	return nil
}

func (m *Member) listRegistrations(ctx context.Context) ([]registration, error) {
	lister, err := m.members.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list member keys: %w", err)
	}

	var regs []registration
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, memberKeyPrefix) {
			continue
		}

		entry, err := m.members.Get(ctx, key)
		if err != nil {
			continue
		}

		var reg registration
		if err := json.Unmarshal(entry.Value(), &reg); err != nil {
			m.logger.Warn("skipping malformed registration", "key", key, "error", err)
			continue
		}

		regs = append(regs, reg)
	}

	return regs, nil
}

func (m *Member) lookupOwnership(ctx context.Context, memberID string) ownership {
	entry, err := m.coord.Get(ctx, ownedKeyPrefix+memberID)
	if err != nil {
		return ownership{}
	}

	var owned ownership
	if err := json.Unmarshal(entry.Value(), &owned); err != nil {
		return ownership{}
	}

	return owned
}

// findOwner scans reported ownership for the member owning the given
// connector name or canonical task ID string.
func (m *Member) findOwner(ctx context.Context, id string) string {
	lister, err := m.coord.ListKeys(ctx)
	if err != nil {
		return ""
	}

	for key := range lister.Keys() {
		if !strings.HasPrefix(key, ownedKeyPrefix) {
			continue
		}

		memberID := strings.TrimPrefix(key, ownedKeyPrefix)
		owned := m.lookupOwnership(ctx, memberID)

		for _, name := range owned.Connectors {
			if name == id {
				return memberID
			}
		}
		for _, taskID := range owned.Tasks {
			if taskID.String() == id {
				return memberID
			}
		}
	}

	return ""
}

// applyAssignment fires the rebalance callbacks for a received
// assignment and records the new ownership.
func (m *Member) applyAssignment(ctx context.Context, entry jetstream.KeyValueEntry) bool {
	if entry.Operation() != jetstream.KeyValuePut {
		return false
	}

	var wrapped envelope
	if err := json.Unmarshal(entry.Value(), &wrapped); err != nil {
		m.logger.Warn("malformed assignment envelope", "error", err)
		return false
	}

	if wrapped.Generation <= m.generation {
		// Stale round, already superseded.
		return false
	}

	a, err := protocol.Unmarshal(wrapped.Assignment)
	if err != nil {
		m.logger.Warn("malformed assignment payload", "error", err)
		return false
	}

	var revokedConns []string
	var revokedTasks []types.TaskID
	if a.Version == types.ProtocolEager {
		// Eager stops everything currently owned; the payload itself
		// never carries revocations.
		revokedConns = m.ownedConns
		revokedTasks = m.ownedTasks
	} else {
		revokedConns = a.RevokedConnectors
		revokedTasks = a.RevokedTasks
	}

	if len(revokedConns) > 0 || len(revokedTasks) > 0 {
		m.listener.OnRevoked(a.Leader, revokedConns, revokedTasks)
	}

	m.generation = wrapped.Generation
	m.negotiated.Store(int32(a.Version))
	m.ownedConns = append([]string(nil), a.Connectors...)
	m.ownedTasks = append([]types.TaskID(nil), a.Tasks...)

	m.listener.OnAssigned(a, wrapped.Generation)

	if err := m.reportOwnership(ctx); err != nil {
		m.logger.Warn("failed to report ownership", "error", err)
	}

	// Cooperative rounds leave freshly revoked work unplaced. Now that
	// it is stopped here, rejoin so the leader runs the follow-up round
	// that grants it to its new owner.
	if a.Version != types.ProtocolEager && (len(revokedConns) > 0 || len(revokedTasks) > 0) {
		m.RequestRejoin("revoked work awaiting reassignment")
	}

	return true
}
