package flowz

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// planNodeDigest is the canonical, encoding-stable subset of a compiled
// node's fields fed into the plan hash. Field order here is the order
// msgpack encodes them in, which is what makes the hash deterministic across
// runs of the same process and across processes on the same Go version.
type planNodeDigest struct {
	Kind        string
	Name        string
	Stage       string
	ModuleType  string
	Priority    int
	PolicyFlags uint32
}

// planHash computes spec §4.D's "stable 64-bit hash of the concatenation of
// (kind, name, stage, moduleType, priority, policy flags) for every node, in
// order": each node is msgpack-encoded into a canonical byte form (via
// encode), concatenated, and hashed with xxhash — a fast, well-distributed, non-cryptographic
// 64-bit hash, exactly the shape a plan identity needs.
func planHash(nodes []planNodeDigest) (uint64, error) {
	h := xxhash.New()
	for _, n := range nodes {
		b, err := encode(n)
		if err != nil {
			return 0, fmt.Errorf("flowz: encode plan node for hashing: %w", err)
		}
		if _, err := h.Write(b); err != nil {
			return 0, fmt.Errorf("flowz: hash plan node: %w", err)
		}
	}
	return h.Sum64(), nil
}

// hashBytes renders xxhash of an arbitrary byte slice as a hex string. It
// backs the limiter table's patch-identity comparison in EnsureConfigured,
// where a content hash of the raw patch bytes is enough to
// detect "same patch, different configVersion" reconfiguration calls.
func hashBytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
