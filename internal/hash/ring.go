// Package hash implements the consistent hash ring backing the sticky
// cooperative assignor.
package hash

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// Ring implements a consistent hash ring with virtual nodes.
//
// The ring maps work IDs (connector names, task IDs) to members using
// consistent hashing, which keeps placements stable with minimal movement
// when the member set changes.
type Ring struct {
	// nodes contains all virtual nodes on the ring, sorted by hash
	nodes []virtualNode

	// members holds the unique list of members present on the ring
	members []string

	// seed for the hash function (0 means unseeded)
	seed uint64
}

// virtualNode represents a virtual node on the hash ring.
type virtualNode struct {
	hash   uint64 // position on the ring
	member string // member owning this virtual node
}

// NewRing creates a new consistent hash ring.
//
// Parameters:
//   - members: Member IDs to place on the ring
//   - virtualNodesPerMember: Virtual nodes per member (higher = better distribution)
//   - seed: Hash seed (0 for unseeded, non-zero for deterministic tests)
//
// Returns:
//   - *Ring: Initialized hash ring
func NewRing(members []string, virtualNodesPerMember int, seed uint64) *Ring {
	ring := &Ring{
		nodes:   make([]virtualNode, 0, len(members)*virtualNodesPerMember),
		members: nil,
		seed:    seed,
	}

	// Deduplicate members while preserving order
	seen := make(map[string]struct{}, len(members))
	uniq := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		uniq = append(uniq, m)
	}
	ring.members = uniq

	for _, member := range ring.members {
		ring.addMember(member, virtualNodesPerMember)
	}

	slices.SortFunc(ring.nodes, func(a, b virtualNode) int {
		if a.hash < b.hash {
			return -1
		}
		if a.hash > b.hash {
			return 1
		}

		return 0
	})

	return ring
}

// GetNode finds the member responsible for a work ID.
//
// Uses binary search for the first virtual node whose hash is >= the ID's
// hash, wrapping around to the first node past the end of the ring.
//
// Returns:
//   - string: Member ID responsible for this key, "" on an empty ring
func (r *Ring) GetNode(key string) string {
	if len(r.nodes) == 0 {
		return ""
	}

	h := r.hash(key)

	idx, found := slices.BinarySearchFunc(r.nodes, h, func(node virtualNode, t uint64) int {
		if node.hash < t {
			return -1
		}
		if node.hash > t {
			return 1
		}

		return 0
	})

	if !found && idx >= len(r.nodes) {
		idx = 0
	}

	return r.nodes[idx].member
}

// Members returns the unique members on the ring.
func (r *Ring) Members() []string {
	return append([]string(nil), r.members...)
}

// Size returns the total number of virtual nodes on the ring.
func (r *Ring) Size() int {
	return len(r.nodes)
}

// addMember adds virtual nodes for one member.
func (r *Ring) addMember(member string, virtualNodes int) {
	for i := range virtualNodes {
		// Fold member ID, then vnode index using the previous hash as
		// seed, without building an intermediate concatenated string.
		h := r.hash(member)

		var ib [8]byte
		binary.LittleEndian.PutUint64(ib[:], uint64(i)) //nolint:gosec
		h = xxh3.HashSeed(ib[:], h)

		r.nodes = append(r.nodes, virtualNode{hash: h, member: member})
	}
}

// hash computes a 64-bit XXH3 hash of the key.
func (r *Ring) hash(key string) uint64 {
	if r.seed != 0 {
		return xxh3.HashStringSeed(key, r.seed)
	}

	return xxh3.HashString(key)
}
