package natsgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	errNotLeader      = errors.New("not the leader")
	errLeadershipLost = errors.New("leadership was lost")
)

// leaderElection elects the group leader through the members KV bucket.
//
// Atomic KV operations carry the election:
//   - Create: acquire leadership if the key does not exist
//   - Update (with revision): renew leadership while holding the lease
//   - Delete: release leadership
//
// The leader key holds the member ID and expires with the bucket TTL, so
// a crashed leader fails over automatically.
type leaderElection struct {
	kv  jetstream.KeyValue
	key string

	mu       sync.RWMutex
	memberID string
	revision uint64
	isLeader bool
}

func newLeaderElection(kv jetstream.KeyValue, key string) *leaderElection {
	return &leaderElection{kv: kv, key: key}
}

// contend attempts to acquire or renew leadership.
//
// Returns:
//   - bool: true when this member holds leadership after the call
//   - error: KV operation failure (losing the race is not an error)
func (e *leaderElection) contend(ctx context.Context, memberID string) (bool, error) {
	if e.IsLeader() {
		if err := e.renew(ctx); err == nil {
			return true, nil
		}
		e.clear()
	}

	value := []byte(fmt.Sprintf("%s:%d", memberID, time.Now().Unix()))

	revision, err := e.kv.Create(ctx, e.key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}

		return false, fmt.Errorf("failed to create leader key: %w", err)
	}

	e.mu.Lock()
	e.memberID = memberID
	e.revision = revision
	e.isLeader = true
	e.mu.Unlock()

	return true, nil
}

// renew extends the leadership lease with a revision-checked update.
func (e *leaderElection) renew(ctx context.Context) error {
	e.mu.RLock()
	isLeader, memberID, revision := e.isLeader, e.memberID, e.revision
	e.mu.RUnlock()

	if !isLeader {
		return errNotLeader
	}

	value := []byte(fmt.Sprintf("%s:%d", memberID, time.Now().Unix()))

	newRevision, err := e.kv.Update(ctx, e.key, value, revision)
	if err != nil {
		e.clear()

		return fmt.Errorf("%w: %w", errLeadershipLost, err)
	}

	e.mu.Lock()
	e.revision = newRevision
	e.mu.Unlock()

	return nil
}

// resign releases leadership if held.
func (e *leaderElection) resign(ctx context.Context) error {
	e.mu.RLock()
	isLeader, revision := e.isLeader, e.revision
	e.mu.RUnlock()

	if !isLeader {
		return nil
	}

	e.clear()

	if err := e.kv.Delete(ctx, e.key, jetstream.LastRevision(revision)); err != nil {
		return fmt.Errorf("failed to delete leader key: %w", err)
	}

	return nil
}

// leaderID returns the member ID currently recorded in the leader key,
// or "" when no leader is elected.
func (e *leaderElection) leaderID(ctx context.Context) string {
	entry, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return ""
	}

	value := string(entry.Value())
	for i := len(value) - 1; i >= 0; i-- {
		if value[i] == ':' {
			return value[:i]
		}
	}

	return value
}

// IsLeader reports whether this member believes it holds leadership.
func (e *leaderElection) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.isLeader
}

func (e *leaderElection) clear() {
	e.mu.Lock()
	e.memberID = ""
	e.revision = 0
	e.isLeader = false
	e.mu.Unlock()
}
