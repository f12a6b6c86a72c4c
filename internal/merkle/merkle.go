// Package merkle implements a deterministic hash tree over a key/value map
// and the structural diff used by anti-entropy to find divergent keys
// between two replicas without exchanging the full map.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"sort"
)

// emptyHash is the sentinel hash for a tree built from an empty map.
var emptyHash = sha256.Sum256([]byte("empty"))

// Entry is a single key/value pair surfaced by Diff.
type Entry struct {
	Key   string
	Value []byte
}

// node is either a leaf (Left == Right == nil) or an inner node.
type node struct {
	hash         [32]byte
	left, right  *node
	minKey, maxKey string
	// leaf-only fields
	isLeaf bool
	key    string
	value  []byte
}

// Tree is a built Merkle tree over a snapshot of a key/value map.
type Tree struct {
	root *node
	size int
}

// Build sorts the map's entries by key and folds them pairwise into a
// binary hash tree. An odd count at any level duplicates the last node so
// the combiner always sees a pair, per the anti-entropy spec. An empty map
// yields a tree whose root is the empty sentinel.
func Build(kv map[string][]byte) *Tree {
	if len(kv) == 0 {
		return &Tree{root: &node{hash: emptyHash, isLeaf: true}, size: 0}
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	level := make([]*node, 0, len(keys))
	for _, k := range keys {
		v := kv[k]
		level = append(level, &node{
			hash:   leafHash(k, v),
			isLeaf: true,
			key:    k,
			value:  v,
			minKey: k,
			maxKey: k,
		})
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]*node, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
	}

	return &Tree{root: level[0], size: len(keys)}
}

func leafHash(key string, value []byte) [32]byte {
	buf := make([]byte, 0, len(key)+1+len(value))
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = append(buf, value...)
	return sha256.Sum256(buf)
}

func combine(l, r *node) *node {
	buf := make([]byte, 0, 64)
	buf = append(buf, l.hash[:]...)
	buf = append(buf, r.hash[:]...)
	return &node{
		hash:   sha256.Sum256(buf),
		left:   l,
		right:  r,
		minKey: l.minKey,
		maxKey: r.maxKey,
	}
}

// RootHash returns the tree's root hash.
func (t *Tree) RootHash() [32]byte {
	return t.root.hash
}

// Size returns the number of keys the tree was built from.
func (t *Tree) Size() int {
	return t.size
}

// Diff returns the entries t2 needs in order to converge to t1's state:
// keys where t1's value differs from t2's, including keys t2 is missing
// entirely, each with t1's value. Where two aligned leaves carry different
// keys, t2's key is reported as well, with t2's value. Keys that hold the
// same value in both trees are never reported. Diff is not symmetric.
// If the root hashes are equal, Diff returns nil without descending.
func Diff(t1, t2 *Tree) []Entry {
	if t1 == nil || t2 == nil {
		return nil
	}
	if t1.root.hash == t2.root.hash {
		return nil
	}
	// Misaligned subtrees can surface keys that are equal on both sides;
	// drop those so every reported key really differs.
	srcVals, dstVals := map[string][]byte{}, map[string][]byte{}
	for _, e := range collectAll(t1.root) {
		srcVals[e.Key] = e.Value
	}
	for _, e := range collectAll(t2.root) {
		dstVals[e.Key] = e.Value
	}
	var out []Entry
	for _, e := range diffNodes(t1.root, t2.root) {
		sv, inSrc := srcVals[e.Key]
		dv, inDst := dstVals[e.Key]
		if inSrc != inDst || !bytes.Equal(sv, dv) {
			out = append(out, e)
		}
	}
	return out
}

func diffNodes(a, b *node) []Entry {
	if a == nil {
		return nil
	}
	if b == nil {
		return collectAll(a)
	}
	if a.hash == b.hash {
		return nil
	}

	if a.isLeaf && b.isLeaf {
		if a.key == b.key {
			if !bytes.Equal(a.value, b.value) {
				return []Entry{{Key: a.key, Value: a.value}}
			}
			return nil
		}
		// different keys entirely: both sides are a difference
		return []Entry{{Key: a.key, Value: a.value}, {Key: b.key, Value: b.value}}
	}

	if a.isLeaf != b.isLeaf {
		// shapes diverged (different tree sizes on each side); treat the
		// whole of a's subtree as a difference since there is no aligned
		// child to recurse into on b's side.
		return collectAll(a)
	}

	var out []Entry
	out = append(out, diffNodes(a.left, b.left)...)
	out = append(out, diffNodes(a.right, b.right)...)
	return out
}

// collectAll walks a's subtree, returning every leaf entry. Used when b has
// no corresponding node to compare against.
func collectAll(a *node) []Entry {
	if a == nil {
		return nil
	}
	if a.isLeaf {
		return []Entry{{Key: a.key, Value: a.value}}
	}
	var out []Entry
	out = append(out, collectAll(a.left)...)
	out = append(out, collectAll(a.right)...)
	return out
}
