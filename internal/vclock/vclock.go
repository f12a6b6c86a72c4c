// Package vclock implements the vector-clock algebra used by the coordinator
// to establish causal ordering between versions of a value.
//
// A Clock is a mapping from node id to event counter. A missing entry is
// treated as counter zero. None of the functions in this package mutate
// their arguments — Update, Merge and Clone always return a fresh map, so a
// Clock can be shared freely across replicas and goroutines without a lock.
package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Clock is a vector clock: node id -> event counter. The zero value is the
// empty clock and is a valid, usable Clock.
type Clock map[string]uint64

// Relation describes how two clocks relate causally.
type Relation int

const (
	// Equal means both clocks observed exactly the same events.
	Equal Relation = iota
	// Descendant means the left-hand clock happened after the right-hand one.
	Descendant
	// Ancestor means the left-hand clock happened before the right-hand one.
	Ancestor
	// Concurrent means neither clock is a descendant of the other.
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Descendant:
		return "descendant"
	case Ancestor:
		return "ancestor"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Update returns a new clock with node's counter incremented by one. If vc
// is empty or nil, the result is {node: 1}.
func Update(vc Clock, node string) Clock {
	out := vc.Clone()
	out[node] = out[node] + 1
	return out
}

// Merge returns the pointwise maximum of a and b over the union of their
// keys. Merge is commutative, associative and idempotent.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// MergeAll folds Merge over a slice of clocks, starting from the empty
// clock. An empty slice returns the empty clock.
func MergeAll(clocks []Clock) Clock {
	out := Clock{}
	for _, c := range clocks {
		out = Merge(out, c)
	}
	return out
}

// Compare determines the causal relation of a with respect to b: whether a
// is the Equal, Descendant, Ancestor or Concurrent of b. Compare is total:
// it always returns one of the four relations, and Compare(a, b) is the
// inverse of Compare(b, a) (Descendant and Ancestor swap, Equal and
// Concurrent are self-inverse).
func Compare(a, b Clock) Relation {
	aGreaterSomewhere := false
	bGreaterSomewhere := false

	for _, k := range unionKeys(a, b) {
		av, bv := a[k], b[k]
		switch {
		case av > bv:
			aGreaterSomewhere = true
		case bv > av:
			bGreaterSomewhere = true
		}
	}

	switch {
	case !aGreaterSomewhere && !bGreaterSomewhere:
		return Equal
	case aGreaterSomewhere && !bGreaterSomewhere:
		return Descendant
	case !aGreaterSomewhere && bGreaterSomewhere:
		return Ancestor
	default:
		return Concurrent
	}
}

func unionKeys(a, b Clock) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Clone returns an independent copy of vc. Clone on a nil Clock returns a
// non-nil empty Clock, so callers never need a nil check before mutating
// the result.
func (vc Clock) Clone() Clock {
	out := make(Clock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// IsEmpty reports whether the clock has observed no events.
func (vc Clock) IsEmpty() bool {
	return len(vc) == 0
}

// String renders the clock deterministically (sorted by node id), for logs
// and test failure messages.
func (vc Clock) String() string {
	if len(vc) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
