package ring

import (
	"reflect"
	"testing"
)

func TestBuildDeterministic(t *testing.T) {
	nodes := []string{"n1", "n2", "n3"}
	a := Build(nodes, 10)
	b := Build(nodes, 10)

	if !reflect.DeepEqual(a.Tokens(), b.Tokens()) {
		t.Fatalf("Build is not deterministic: %v != %v", a.Tokens(), b.Tokens())
	}
}

func TestBuildTokenCount(t *testing.T) {
	r := Build([]string{"n1", "n2"}, 5)
	if len(r.Tokens()) != 10 {
		t.Fatalf("expected 10 tokens, got %d", len(r.Tokens()))
	}
}

func TestPreferenceListDeterministic(t *testing.T) {
	r := Build([]string{"n1", "n2", "n3", "n4", "n5"}, 10)

	a := PreferenceList(r, "test_key", 3)
	b := PreferenceList(r, "test_key", 3)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("PreferenceList not deterministic: %v != %v", a, b)
	}
}

func TestPreferenceListDistinctAndBounded(t *testing.T) {
	r := Build([]string{"n1", "n2", "n3"}, 10)
	list := PreferenceList(r, "some_key", 3)

	if len(list) != 3 {
		t.Fatalf("expected 3 nodes, got %d: %v", len(list), list)
	}
	seen := map[string]bool{}
	for _, n := range list {
		if seen[n] {
			t.Fatalf("PreferenceList returned duplicate node %s", n)
		}
		seen[n] = true
	}
}

func TestPreferenceListExhaustedRing(t *testing.T) {
	r := Build([]string{"n1", "n2"}, 10)
	list := PreferenceList(r, "some_key", 5)

	if len(list) != 2 {
		t.Fatalf("expected 2 nodes (ring only has 2), got %d: %v", len(list), list)
	}
}

func TestPreferenceListWrapsAround(t *testing.T) {
	r := Build([]string{"n1", "n2", "n3"}, 20)
	// exercise many keys to increase the odds that some key hash falls
	// beyond the last token, exercising the wrap-to-zero path
	for i := 0; i < 200; i++ {
		list := PreferenceList(r, "key-"+string(rune(i)), 2)
		if len(list) != 2 {
			t.Fatalf("expected 2 nodes for key %d, got %d", i, len(list))
		}
	}
}

func TestOwnedTokenHashesPartition(t *testing.T) {
	r := Build([]string{"n1", "n2"}, 8)

	owned := map[string]int{}
	for _, tok := range r.Tokens() {
		owned[tok.Node]++
	}

	if len(OwnedTokenHashes(r, "n1")) != owned["n1"] {
		t.Fatalf("OwnedTokenHashes(n1) count mismatch")
	}
	if len(OwnedTokenHashes(r, "n2")) != owned["n2"] {
		t.Fatalf("OwnedTokenHashes(n2) count mismatch")
	}
}

func TestNodesUnique(t *testing.T) {
	r := Build([]string{"n1", "n2", "n1"}, 3)
	nodes := Nodes(r)
	if len(nodes) != 2 {
		t.Fatalf("expected 2 distinct nodes, got %d: %v", len(nodes), nodes)
	}
}
