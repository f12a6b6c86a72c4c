// Package ring implements the consistent-hashing partitioner: a virtual-node
// partition map over a fixed modulus, and the preference-list lookup the
// coordinator uses to find the replica set for a key.
//
// A Ring is an immutable value once built. Topology changes are expressed by
// calling Build again and handing the new Ring to the coordinator — this
// package has no notion of incremental membership change.
package ring

import (
	"crypto/sha1"
	"sort"
	"strconv"
	"strings"
)

// Modulus is 2^32 - 1, the space token hashes are folded into.
const Modulus uint64 = 1<<32 - 1

// Token is a single point on the ring, owned by Node.
type Token struct {
	Hash uint32
	Node string
}

// Ring is an ordered, hash-sorted sequence of Tokens. The zero value is not
// usable; construct one with Build.
type Ring struct {
	tokens []Token
	nodes  map[string]struct{}
}

// Build constructs a Ring from a set of node ids, emitting tokensPerNode
// virtual-node tokens per node. The hash of token i for node n is
// SHA-1(n + "-" + i) folded into a uint32 via a big-endian byte
// accumulator modulo Modulus. Build is a pure function of its inputs: equal
// inputs always produce bit-identical Rings.
func Build(nodes []string, tokensPerNode int) *Ring {
	tokens := make([]Token, 0, len(nodes)*tokensPerNode)
	nodeSet := make(map[string]struct{}, len(nodes))

	for _, n := range nodes {
		nodeSet[n] = struct{}{}
		for i := 0; i < tokensPerNode; i++ {
			tokens = append(tokens, Token{
				Hash: foldHash(n + "-" + strconv.Itoa(i)),
				Node: n,
			})
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Hash != tokens[j].Hash {
			return tokens[i].Hash < tokens[j].Hash
		}
		// stable tie-break for determinism when two tokens collide
		return tokens[i].Node < tokens[j].Node
	})

	return &Ring{tokens: tokens, nodes: nodeSet}
}

// foldHash hashes s with SHA-1 and folds the digest into the ring's
// uint32 space with a big-endian byte accumulator, modulo Modulus.
func foldHash(s string) uint32 {
	sum := sha1.Sum([]byte(s))
	var acc uint64
	for _, b := range sum {
		acc = (acc<<8 + uint64(b)) % Modulus
	}
	return uint32(acc)
}

// KeyHash exposes the same fold used for token placement, applied to an
// arbitrary key, for locating the first responsible token.
func KeyHash(key string) uint32 {
	return foldHash(key)
}

// PreferenceList returns up to r distinct node ids responsible for key:
// starting at the first token with hash >= the key's hash (wrapping to
// index 0 if the key hash exceeds the last token), walk clockwise and
// collect distinct nodes until r are found or the ring is exhausted.
// PreferenceList is a pure function of (ring, key, r): it always returns the
// same node set for the same inputs.
func PreferenceList(r *Ring, key string, n int) []string {
	return PreferenceListFromHash(r, KeyHash(key), n)
}

// PreferenceListFromHash is PreferenceList's walk, parameterized directly on
// a ring position instead of re-hashing a key. The anti-entropy
// synchronizer uses this to ask "who replicates the range starting at this
// owned token" without inventing a fictitious key for that token.
func PreferenceListFromHash(r *Ring, hash uint32, n int) []string {
	if r == nil || len(r.tokens) == 0 || n <= 0 {
		return nil
	}

	start := locate(r, hash)

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)

	for i := 0; i < len(r.tokens) && len(out) < n; i++ {
		tok := r.tokens[(start+i)%len(r.tokens)]
		if _, dup := seen[tok.Node]; dup {
			continue
		}
		seen[tok.Node] = struct{}{}
		out = append(out, tok.Node)
	}
	return out
}

// locate returns the index of the first token with Hash >= hash, wrapping
// to 0 when hash exceeds every token's hash.
func locate(r *Ring, hash uint32) int {
	idx := sort.Search(len(r.tokens), func(i int) bool {
		return r.tokens[i].Hash >= hash
	})
	if idx == len(r.tokens) {
		return 0
	}
	return idx
}

// OwnedTokenHashes returns the token hashes owned by node, in ring order.
func OwnedTokenHashes(r *Ring, node string) []uint32 {
	if r == nil {
		return nil
	}
	var out []uint32
	for _, tok := range r.tokens {
		if tok.Node == node {
			out = append(out, tok.Hash)
		}
	}
	return out
}

// Nodes returns the set of distinct node ids on the ring.
func Nodes(r *Ring) map[string]struct{} {
	out := make(map[string]struct{}, len(r.nodes))
	for n := range r.nodes {
		out[n] = struct{}{}
	}
	return out
}

// Tokens returns the ring's tokens in ascending hash order. The returned
// slice is shared with the Ring and must not be mutated by the caller.
func (r *Ring) Tokens() []Token {
	return r.tokens
}

// String renders the ring's node set and token count, for diagnostics.
func (r *Ring) String() string {
	var sb strings.Builder
	sb.WriteString("ring{nodes=[")
	first := true
	for n := range r.nodes {
		if !first {
			sb.WriteString(", ")
		}
		sb.WriteString(n)
		first = false
	}
	sb.WriteString("] tokens=")
	sb.WriteString(strconv.Itoa(len(r.tokens)))
	sb.WriteString("}")
	return sb.String()
}
