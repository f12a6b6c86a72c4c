package replica

import (
	"runtime"

	"github.com/huangiris17/distributed-kv-store/internal/vclock"
	"github.com/puzpuzpuz/xsync/v3"
)

// engine is the sharded concurrent map backing a Store, adapted from the
// familiar sharded-map idiom: keys are routed to one of
// N shards by a seeded FNV-1a hash, and each shard is an independent
// xsync.MapOf so concurrent Gets on different keys never contend. Unlike
// a TTL-bearing sharded cache there is no TTL/GC machinery here — tombstones
// are a declared non-goal of this store, so an entry lives until explicitly
// overwritten by a Put.
type engine struct {
	seed   uint64
	shards []*xsync.MapOf[string, entry]
}

// entry is the stored shape of a key: its value, vector clock and write
// timestamp, i.e. Versioned triple.
type entry struct {
	value []byte
	clock vclock.Clock
	ts    int64
}

func newEngine() *engine {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	shards := make([]*xsync.MapOf[string, entry], n)
	for i := range shards {
		shards[i] = xsync.NewMapOf[string, entry]()
	}
	return &engine{seed: generateSeed(), shards: shards}
}

// hashString applies FNV-1a with the engine's seed mixed in, for routing a
// string key to a shard. This is purely an implementation detail of the
// engine's internal sharding and is unrelated to the ring's SHA-1-based
// partition hash — the two hash spaces never mix.
func hashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := offset64 ^ seed
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func (e *engine) shardFor(key string) *xsync.MapOf[string, entry] {
	h := hashString(key, e.seed)
	return e.shards[(h>>7)%uint64(len(e.shards))]
}

func (e *engine) get(key string) (entry, bool) {
	return e.shardFor(key).Load(key)
}

func (e *engine) set(key string, v entry) {
	e.shardFor(key).Store(key, v)
}

// snapshot copies every live entry out of the engine, across all shards.
// Used by GetAll and by Put's Merkle-rebuild step.
func (e *engine) snapshot() map[string]entry {
	out := make(map[string]entry)
	for _, shard := range e.shards {
		shard.Range(func(k string, v entry) bool {
			out[k] = v
			return true
		})
	}
	return out
}
