package gateway

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/blake3"
)

// SyntheticProcessID derives a process id from (name, path) without asking
// the store, so the same process seen in several offline cycles gets the same
// id every time. The id is the first 8 bytes of a BLAKE3 digest, forced
// positive and non-zero.
//
// Collisions are not detected: two distinct processes may map to the same id.
// The id is only a correlation handle; restore resolves processes by
// (name, path) again and never trusts it.
func SyntheticProcessID(name string, path *string) int64 {
	buf := make([]byte, 0, len(name)+1+64)
	buf = append(buf, name...)
	buf = append(buf, 0)
	if path != nil {
		buf = append(buf, *path...)
	}

	sum := blake3.Sum256(buf)
	id := int64(binary.BigEndian.Uint64(sum[:8]) & math.MaxInt64)
	if id == 0 {
		id = 1
	}
	return id
}
