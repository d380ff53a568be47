package herd

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/herdlib/herd/types"
)

// cryptoKeyGenerator is the default KeyGenerator backed by crypto/rand.
type cryptoKeyGenerator struct{}

func (cryptoKeyGenerator) Generate(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	return key, nil
}

// sessionKeyManager owns the worker's view of the cluster session key.
//
// The leader mints a fresh key when none exists or the current one
// exceeds its TTL, writes it to the config store, and every worker
// (leader included) adopts keys observed through config updates. Reads
// may come from request-serving goroutines, so the current key is
// mutex-guarded; rotation decisions happen only on the coordination
// goroutine.
type sessionKeyManager struct {
	mu  sync.RWMutex
	key types.SessionKey

	algorithm string
	size      int
	ttl       time.Duration
	gen       KeyGenerator
	clock     Clock
}

func newSessionKeyManager(cfg SessionKeyConfig, gen KeyGenerator, clock Clock) *sessionKeyManager {
	return &sessionKeyManager{
		algorithm: cfg.Algorithm,
		size:      cfg.Size,
		ttl:       cfg.TTL,
		gen:       gen,
		clock:     clock,
	}
}

// current returns the most recently adopted key. The zero key means no
// key has been distributed yet.
func (m *sessionKeyManager) current() types.SessionKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.key
}

// adopt installs a key observed from the config store.
func (m *sessionKeyManager) adopt(key types.SessionKey) {
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
}

// needsRotation reports whether the leader should mint a new key:
// either no key exists yet, or the current one has outlived its TTL.
func (m *sessionKeyManager) needsRotation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.key.IsZero() {
		return true
	}

	return m.clock.Now().Sub(m.key.Created) >= m.ttl
}

// nextRotation returns when the current key expires. Used to bound the
// poll timeout so the leader rotates promptly.
//
// Returns:
//   - time.Time: Expiry of the current key
//   - bool: false when no key is held (rotation is already due)
func (m *sessionKeyManager) nextRotation() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.key.IsZero() {
		return time.Time{}, false
	}

	return m.key.Created.Add(m.ttl), true
}

// mint generates a fresh session key stamped with the current time.
// The caller is responsible for writing it to the config store; the
// manager adopts it only when it comes back through an update.
func (m *sessionKeyManager) mint() (types.SessionKey, error) {
	material, err := m.gen.Generate(m.size)
	if err != nil {
		return types.SessionKey{}, err
	}

	return types.SessionKey{
		Algorithm: m.algorithm,
		Key:       material,
		Created:   m.clock.Now(),
	}, nil
}

// possiblyStale classifies a signature rejection observed at the given
// time. A rejection within one TTL of the key's creation plausibly
// means the requester signed with a key this worker has not yet seen
// replaced, or vice versa; such rejections are surfaced as retriable.
//
// Parameters:
//   - rejectedAt: When the forbidden response was observed
//
// Returns:
//   - bool: true when the rejection may stem from key-propagation lag
func (m *sessionKeyManager) possiblyStale(rejectedAt time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.key.IsZero() {
		return true
	}

	return rejectedAt.Sub(m.key.Created) < m.ttl
}
