package partition

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// defaultReplicas is the number of virtual nodes per member. High enough to
// smooth bucket distribution across a handful of dispatchers.
const defaultReplicas = 64

// Ring is an immutable consistent-hash assignment of partition keys to
// node IDs. Build a fresh Ring each poll cycle from the live member set;
// membership churn then rebalances eventually without coordination.
type Ring struct {
	replicas int
	hashes   []uint32
	owners   map[uint32]string
}

// RingOption configures a Ring.
type RingOption func(*Ring)

// WithReplicas sets the number of virtual nodes per member.
func WithReplicas(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.replicas = n
		}
	}
}

// NewRing builds a ring over the given node IDs. An empty node set yields a
// ring that owns nothing.
func NewRing(nodes []string, opts ...RingOption) *Ring {
	r := &Ring{
		replicas: defaultReplicas,
		owners:   make(map[uint32]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, node := range nodes {
		for i := 0; i < r.replicas; i++ {
			h := hashKey(node + "#" + strconv.Itoa(i))
			// First writer wins on the rare hash collision; deterministic
			// because nodes are added in caller order.
			if _, taken := r.owners[h]; !taken {
				r.owners[h] = node
				r.hashes = append(r.hashes, h)
			}
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })

	return r
}

// Empty reports whether the ring has no members.
func (r *Ring) Empty() bool { return len(r.hashes) == 0 }

// Owner returns the node ID that owns the given partition key, or "" for an
// empty ring.
func (r *Ring) Owner(key string) string {
	if r.Empty() {
		return ""
	}

	h := hashKey(key)
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if i == len(r.hashes) {
		i = 0
	}
	return r.owners[r.hashes[i]]
}

// Owns reports whether node owns the given partition key.
func (r *Ring) Owns(node, key string) bool {
	return !r.Empty() && r.Owner(key) == node
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s)) //nolint:errcheck // fnv never errors
	return h.Sum32()
}
