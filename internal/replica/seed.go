package replica

import (
	"crypto/rand"
	"encoding/binary"
)

// generateSeed creates a random per-engine seed for the internal shard
// hash, following a fallback-free
// shape (a failure to read crypto/rand here indicates a broken host, not a
// recoverable condition worth degrading behavior for).
func generateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("replica: failed to read random seed: " + err.Error())
	}
	return binary.LittleEndian.Uint64(b[:])
}
