package types

import (
	"context"
	"errors"
	"time"
)

// ErrRefreshTimeout is returned by ConfigStore.Refresh when the store
// could not catch up with the end of the configuration log in time.
var ErrRefreshTimeout = errors.New("config store refresh timed out")

// UpdateListener receives change notifications from the configuration
// store.
//
// Callbacks fire on the store's watcher goroutine, asynchronously with
// respect to the herder's tick cycle; the herder buffers them and
// reconciles on its next tick.
type UpdateListener interface {
	// OnConnectorConfigUpdate is called when a connector's config is
	// written or overwritten.
	OnConnectorConfigUpdate(connector string)

	// OnConnectorConfigRemove is called when a connector is deleted.
	OnConnectorConfigRemove(connector string)

	// OnTaskConfigUpdate is called when task configs are committed.
	OnTaskConfigUpdate(tasks []TaskID)

	// OnConnectorTargetStateChange is called when a connector's desired
	// state changes.
	OnConnectorTargetStateChange(connector string)

	// OnSessionKeyUpdate is called when a new session key is replicated.
	OnSessionKeyUpdate(key SessionKey)

	// OnRestartRequest is called when a restart request is replicated.
	OnRestartRequest(request RestartRequest)
}

// ConfigStore is the append-only shared configuration log.
//
// Snapshot is cheap and non-blocking; Refresh reads to the current end of
// the log so a subsequent Snapshot reflects at least the log contents at
// the time Refresh was called.
type ConfigStore interface {
	// Snapshot returns the current immutable configuration snapshot.
	Snapshot() ClusterConfigState

	// Refresh blocks until the store's snapshot has caught up with the
	// end of the log, or returns ErrRefreshTimeout.
	Refresh(ctx context.Context, timeout time.Duration) error

	// PutConnectorConfig appends a connector config to the log.
	PutConnectorConfig(ctx context.Context, connector string, config map[string]string) error

	// RemoveConnectorConfig appends a connector tombstone to the log.
	RemoveConnectorConfig(ctx context.Context, connector string) error

	// PutTaskConfigs commits the full task config set for a connector.
	PutTaskConfigs(ctx context.Context, connector string, configs []map[string]string) error

	// PutTargetState appends a desired-state change for a connector.
	PutTargetState(ctx context.Context, connector string, state TargetState) error

	// PutSessionKey replicates a freshly minted session key.
	PutSessionKey(ctx context.Context, key SessionKey) error

	// PutRestartRequest replicates a restart request to all workers.
	PutRestartRequest(ctx context.Context, request RestartRequest) error

	// SetUpdateListener registers the listener notified of log changes.
	// Must be called before the store starts delivering updates.
	SetUpdateListener(listener UpdateListener)

	// Stop releases store resources.
	Stop(ctx context.Context) error
}
