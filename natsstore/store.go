// Package natsstore implements the shared configuration log on a NATS
// JetStream KeyValue bucket.
//
// Every write is a KV put observed by all workers through a bucket
// watcher; the KV revision sequence is the log offset. Each store keeps
// a local snapshot rebuilt copy-on-write from watch events, so Snapshot
// is non-blocking and a published snapshot is never mutated.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/zeebo/xxh3"

	"github.com/herdlib/herd/internal/kvutil"
	"github.com/herdlib/herd/internal/logging"
	"github.com/herdlib/herd/types"
)

const (
	connectorKeyPrefix = "connector."
	tasksKeyPrefix     = "tasks."
	targetKeyPrefix    = "target."
	restartKeyPrefix   = "restart."
	sessionKeyKey      = "session-key"
)

// Config is the configuration for the NATS config store.
type Config struct {
	// Bucket is the KV bucket name holding the configuration log. All
	// workers of one cluster use the same bucket.
	Bucket string `yaml:"bucket"`

	// Replicas is the bucket replication factor.
	Replicas int `yaml:"replicas"`
}

// taskCommit is the value of a tasks.<connector> key: the committed task
// config set plus the hash of the connector config it was generated
// from. A hash mismatch against the current connector config marks the
// connector inconsistent until the owner recommits.
type taskCommit struct {
	ConfigHash string              `json:"configHash"`
	Configs    []map[string]string `json:"configs"`
}

type sessionKeyRecord struct {
	Algorithm string    `json:"algorithm"`
	Key       []byte    `json:"key"`
	Created   time.Time `json:"created"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger.
func WithLogger(logger types.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is the NATS-backed types.ConfigStore.
type Store struct {
	cfg    Config
	logger types.Logger

	js jetstream.JetStream
	kv jetstream.KeyValue

	mu           sync.RWMutex
	snapshot     types.ClusterConfigState
	listener     types.UpdateListener
	lastRevision uint64
	changed      chan struct{}

	// commitHashes tracks, per connector, the connector config hash its
	// task commit was generated from. Guarded by mu via apply.
	commitHashes map[string]string

	stopCh  chan struct{}
	wg      sync.WaitGroup
	watcher jetstream.KeyWatcher
}

var _ types.ConfigStore = (*Store)(nil)

// New creates the store, replays the existing log into a local snapshot
// and starts watching for updates.
//
// Update notifications only begin after SetUpdateListener; the replay
// performed here never reaches a listener.
//
// Parameters:
//   - ctx: Bounds bucket creation and the initial replay
//   - conn: NATS connection (owned by the caller)
//   - cfg: Store configuration
//   - opts: Optional dependencies
//
// Returns:
//   - *Store: Ready store with a fully replayed snapshot
//   - error: Bucket or watch failure
func New(ctx context.Context, conn *nats.Conn, cfg Config, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Replicas: cfg.Replicas,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure config bucket: %w", err)
	}

	s := &Store{
		cfg:          cfg,
		logger:       logging.NewNop(),
		js:           js,
		kv:           kv,
		changed:      make(chan struct{}),
		stopCh:       make(chan struct{}),
		commitHashes: map[string]string{},
		snapshot: types.ClusterConfigState{
			ConnectorTaskCounts: map[string]int{},
			ConnectorConfigs:    map[string]map[string]string{},
			TargetStates:        map[string]types.TargetState{},
			TaskConfigs:         map[types.TaskID]map[string]string{},
			Inconsistent:        map[string]struct{}{},
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.watcher, err = kv.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to watch config bucket: %w", err)
	}

	// Replay existing entries synchronously so the first Snapshot is
	// complete. The watcher sends a nil marker after the initial values.
	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Stop()
			return nil, ctx.Err()
		case entry := <-s.watcher.Updates():
			if entry == nil {
				s.startWatchLoop()
				return s, nil
			}
			s.apply(entry)
		}
	}
}

// SetUpdateListener registers the listener notified of log changes.
func (s *Store) SetUpdateListener(listener types.UpdateListener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
}

// Snapshot returns the current immutable configuration snapshot.
func (s *Store) Snapshot() types.ClusterConfigState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshot
}

// Refresh blocks until the local snapshot has caught up with the end of
// the log, or returns types.ErrRefreshTimeout.
func (s *Store) Refresh(ctx context.Context, timeout time.Duration) error {
	target, err := s.endOfLog(ctx)
	if err != nil {
		return fmt.Errorf("failed to read end of config log: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.RLock()
		caughtUp := s.lastRevision >= target
		changed := s.changed
		s.mu.RUnlock()

		if caughtUp {
			return nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return types.ErrRefreshTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// endOfLog returns the last sequence of the bucket's backing stream.
func (s *Store) endOfLog(ctx context.Context) (uint64, error) {
	stream, err := s.js.Stream(ctx, "KV_"+s.cfg.Bucket)
	if err != nil {
		return 0, err
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}

	return info.State.LastSeq, nil
}

// PutConnectorConfig appends a connector config to the log.
func (s *Store) PutConnectorConfig(ctx context.Context, connector string, config map[string]string) error {
	value, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode connector config: %w", err)
	}

	if _, err := s.kv.Put(ctx, connectorKeyPrefix+connector, value); err != nil {
		return fmt.Errorf("failed to write connector config: %w", err)
	}

	return nil
}

// RemoveConnectorConfig deletes a connector and its derived keys.
func (s *Store) RemoveConnectorConfig(ctx context.Context, connector string) error {
	if err := s.kv.Delete(ctx, connectorKeyPrefix+connector); err != nil {
		return fmt.Errorf("failed to delete connector config: %w", err)
	}

	// Derived keys are purged best-effort; the snapshot drops them with
	// the connector either way.
	for _, key := range []string{tasksKeyPrefix + connector, targetKeyPrefix + connector, restartKeyPrefix + connector} {
		if err := s.kv.Purge(ctx, key); err != nil {
			s.logger.Debug("failed to purge derived key", "key", key, "error", err)
		}
	}

	return nil
}

// PutTaskConfigs commits the full task config set for a connector,
// stamped with the hash of the connector config it was generated from.
func (s *Store) PutTaskConfigs(ctx context.Context, connector string, configs []map[string]string) error {
	connConfig, ok := s.Snapshot().ConnectorConfigs[connector]
	if !ok {
		return fmt.Errorf("unknown connector %q", connector)
	}

	value, err := json.Marshal(taskCommit{
		ConfigHash: configHash(connConfig),
		Configs:    configs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode task configs: %w", err)
	}

	if _, err := s.kv.Put(ctx, tasksKeyPrefix+connector, value); err != nil {
		return fmt.Errorf("failed to write task configs: %w", err)
	}

	return nil
}

// PutTargetState appends a desired-state change for a connector.
func (s *Store) PutTargetState(ctx context.Context, connector string, state types.TargetState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid target state %q", string(state))
	}

	if _, err := s.kv.Put(ctx, targetKeyPrefix+connector, []byte(state)); err != nil {
		return fmt.Errorf("failed to write target state: %w", err)
	}

	return nil
}

// PutSessionKey replicates a freshly minted session key.
func (s *Store) PutSessionKey(ctx context.Context, key types.SessionKey) error {
	value, err := json.Marshal(sessionKeyRecord{
		Algorithm: key.Algorithm,
		Key:       key.Key,
		Created:   key.Created,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session key: %w", err)
	}

	if _, err := s.kv.Put(ctx, sessionKeyKey, value); err != nil {
		return fmt.Errorf("failed to write session key: %w", err)
	}

	return nil
}

// PutRestartRequest replicates a restart request to all workers.
func (s *Store) PutRestartRequest(ctx context.Context, request types.RestartRequest) error {
	value, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode restart request: %w", err)
	}

	if _, err := s.kv.Put(ctx, restartKeyPrefix+request.ConnectorName, value); err != nil {
		return fmt.Errorf("failed to write restart request: %w", err)
	}

	return nil
}

// Stop releases store resources.
func (s *Store) Stop(_ context.Context) error {
	close(s.stopCh)

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	s.wg.Wait()

	return nil
}

func (s *Store) startWatchLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			select {
			case <-s.stopCh:
				return
			case entry, ok := <-s.watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				s.apply(entry)
			}
		}
	}()
}

// apply folds one KV entry into a fresh snapshot and notifies the
// listener. The previous snapshot value is never mutated.
func (s *Store) apply(entry jetstream.KeyValueEntry) {
	s.mu.Lock()

	next := cloneState(s.snapshot)
	notify := s.applyEntry(&next, entry)
	next.Offset = int64(entry.Revision())

	s.snapshot = next
	s.lastRevision = entry.Revision()
	close(s.changed)
	s.changed = make(chan struct{})
	listener := s.listener

	s.mu.Unlock()

	if listener != nil && notify != nil {
		notify(listener)
	}
}

// applyEntry mutates the pending snapshot and returns the listener
// notification for the change, nil when nothing should fire.
func (s *Store) applyEntry(state *types.ClusterConfigState, entry jetstream.KeyValueEntry) func(types.UpdateListener) {
	key := entry.Key()
	deleted := entry.Operation() != jetstream.KeyValuePut

	switch {
	case strings.HasPrefix(key, connectorKeyPrefix):
		name := strings.TrimPrefix(key, connectorKeyPrefix)
		if deleted {
			delete(state.ConnectorConfigs, name)
			delete(state.ConnectorTaskCounts, name)
			delete(state.TargetStates, name)
			delete(state.Inconsistent, name)
			delete(s.commitHashes, name)
			for id := range state.TaskConfigs {
				if id.Connector == name {
					delete(state.TaskConfigs, id)
				}
			}

			return func(l types.UpdateListener) { l.OnConnectorConfigRemove(name) }
		}

		var config map[string]string
		if err := json.Unmarshal(entry.Value(), &config); err != nil {
			s.logger.Warn("malformed connector config entry", "key", key, "error", err)
			return nil
		}
		state.ConnectorConfigs[name] = config
		s.recomputeConsistency(state, name)

		return func(l types.UpdateListener) { l.OnConnectorConfigUpdate(name) }

	case strings.HasPrefix(key, tasksKeyPrefix):
		name := strings.TrimPrefix(key, tasksKeyPrefix)
		if deleted {
			return nil
		}

		var commit taskCommit
		if err := json.Unmarshal(entry.Value(), &commit); err != nil {
			s.logger.Warn("malformed task commit entry", "key", key, "error", err)
			return nil
		}

		for id := range state.TaskConfigs {
			if id.Connector == name {
				delete(state.TaskConfigs, id)
			}
		}

		ids := make([]types.TaskID, 0, len(commit.Configs))
		for i, config := range commit.Configs {
			id := types.TaskID{Connector: name, Task: i}
			state.TaskConfigs[id] = config
			ids = append(ids, id)
		}
		state.ConnectorTaskCounts[name] = len(commit.Configs)
		s.commitHashes[name] = commit.ConfigHash
		s.recomputeConsistency(state, name)

		return func(l types.UpdateListener) { l.OnTaskConfigUpdate(ids) }

	case strings.HasPrefix(key, targetKeyPrefix):
		name := strings.TrimPrefix(key, targetKeyPrefix)
		if deleted {
			delete(state.TargetStates, name)
		} else {
			target := types.TargetState(entry.Value())
			if !target.Valid() {
				s.logger.Warn("malformed target state entry", "key", key)
				return nil
			}
			state.TargetStates[name] = target
		}

		return func(l types.UpdateListener) { l.OnConnectorTargetStateChange(name) }

	case key == sessionKeyKey:
		if deleted {
			return nil
		}

		var record sessionKeyRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			s.logger.Warn("malformed session key entry", "error", err)
			return nil
		}

		sessionKey := types.SessionKey{
			Algorithm: record.Algorithm,
			Key:       record.Key,
			Created:   record.Created,
		}
		state.SessionKey = sessionKey

		return func(l types.UpdateListener) { l.OnSessionKeyUpdate(sessionKey) }

	case strings.HasPrefix(key, restartKeyPrefix):
		if deleted {
			return nil
		}

		var request types.RestartRequest
		if err := json.Unmarshal(entry.Value(), &request); err != nil {
			s.logger.Warn("malformed restart request entry", "key", key, "error", err)
			return nil
		}

		return func(l types.UpdateListener) { l.OnRestartRequest(request) }

	default:
		s.logger.Debug("ignoring unknown config key", "key", key)
		return nil
	}
}

// recomputeConsistency marks the connector inconsistent when its task
// commit was generated from an older connector config.
func (s *Store) recomputeConsistency(state *types.ClusterConfigState, name string) {
	config, hasConfig := state.ConnectorConfigs[name]
	commitHash, hasCommit := s.commitHashes[name]

	if !hasConfig || !hasCommit {
		delete(state.Inconsistent, name)
		return
	}

	if configHash(config) != commitHash {
		state.Inconsistent[name] = struct{}{}
	} else {
		delete(state.Inconsistent, name)
	}
}

// configHash returns a stable hash of a config map. encoding/json sorts
// map keys, so the encoding is canonical.
func configHash(config map[string]string) string {
	encoded, err := json.Marshal(config)
	if err != nil {
		return ""
	}

	return fmt.Sprintf("%016x", xxh3.Hash(encoded))
}

// cloneState deep-copies the map-valued fields so the previous snapshot
// stays immutable. Config maps themselves are shared; they are replaced,
// never mutated, on update.
func cloneState(state types.ClusterConfigState) types.ClusterConfigState {
	next := state

	next.ConnectorTaskCounts = make(map[string]int, len(state.ConnectorTaskCounts))
	for k, v := range state.ConnectorTaskCounts {
		next.ConnectorTaskCounts[k] = v
	}

	next.ConnectorConfigs = make(map[string]map[string]string, len(state.ConnectorConfigs))
	for k, v := range state.ConnectorConfigs {
		next.ConnectorConfigs[k] = v
	}

	next.TargetStates = make(map[string]types.TargetState, len(state.TargetStates))
	for k, v := range state.TargetStates {
		next.TargetStates[k] = v
	}

	next.TaskConfigs = make(map[types.TaskID]map[string]string, len(state.TaskConfigs))
	for k, v := range state.TaskConfigs {
		next.TaskConfigs[k] = v
	}

	next.Inconsistent = make(map[string]struct{}, len(state.Inconsistent))
	for k := range state.Inconsistent {
		next.Inconsistent[k] = struct{}{}
	}

	return next
}
