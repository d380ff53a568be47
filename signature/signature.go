// Package signature implements the HMAC request signing used for
// inter-worker task-config writes.
//
// Workers sharing a replicated session key sign the canonical request
// payload; the receiver recomputes the MAC and compares in constant
// time. The newest cooperative protocol version makes signatures
// mandatory, the older one accepts unsigned requests for rolling
// upgrades.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/herdlib/herd/types"
)

// Supported MAC algorithm names, matching the session key's Algorithm
// field.
const (
	AlgorithmSHA256 = "HmacSHA256"
	AlgorithmSHA384 = "HmacSHA384"
	AlgorithmSHA512 = "HmacSHA512"
)

// Supported reports whether the algorithm name is a known MAC algorithm.
func Supported(algorithm string) bool {
	switch algorithm {
	case AlgorithmSHA256, AlgorithmSHA384, AlgorithmSHA512:
		return true
	default:
		return false
	}
}

func newHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case AlgorithmSHA256:
		return sha256.New, nil
	case AlgorithmSHA384:
		return sha512.New384, nil
	case AlgorithmSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
}

// Sign computes the MAC of payload under the given session key.
//
// Parameters:
//   - key: Session key carrying the algorithm and key material
//   - payload: Canonical request bytes
//
// Returns:
//   - []byte: The MAC
//   - error: Unknown algorithm or empty key
func Sign(key types.SessionKey, payload []byte) ([]byte, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("cannot sign with empty session key")
	}

	newHashFn, err := newHash(key.Algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHashFn, key.Key)
	mac.Write(payload)

	return mac.Sum(nil), nil
}

// Verify checks the MAC of payload under the given session key.
//
// Comparison is constant time.
//
// Parameters:
//   - key: Session key carrying the algorithm and key material
//   - payload: Canonical request bytes
//   - sig: MAC presented by the requester
//
// Returns:
//   - bool: true when the MAC is valid
//   - error: Unknown algorithm or empty key; a mismatched MAC is not
//     an error, it returns (false, nil)
func Verify(key types.SessionKey, payload, sig []byte) (bool, error) {
	expected, err := Sign(key, payload)
	if err != nil {
		return false, err
	}

	return hmac.Equal(expected, sig), nil
}
