package types

import "time"

// SessionKey is the shared secret used to authenticate forwarded requests
// between workers.
//
// The key is minted by the leader, replicated to every worker through the
// configuration log, and rotated once it is older than the configured TTL.
// Only the lifecycle is modeled here; signing itself lives in the
// signature package.
type SessionKey struct {
	// Algorithm is the MAC algorithm the key was generated for,
	// e.g. "HmacSHA256".
	Algorithm string `json:"algorithm"`

	// Key is the raw secret material.
	Key []byte `json:"key"`

	// Created is when the leader minted this key.
	Created time.Time `json:"created"`
}

// IsZero reports whether the key is unset.
func (k SessionKey) IsZero() bool {
	return len(k.Key) == 0
}

// Age returns how old the key is at the given instant.
func (k SessionKey) Age(now time.Time) time.Duration {
	return now.Sub(k.Created)
}
