package cluster

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/huangiris17/distributed-kv-store/internal/config"
	"github.com/huangiris17/distributed-kv-store/internal/coordinator"
	"github.com/huangiris17/distributed-kv-store/internal/replica"
	"github.com/huangiris17/distributed-kv-store/internal/vclock"
)

func tenNodes() []string {
	nodes := make([]string, 10)
	for i := range nodes {
		nodes[i] = "node" + strconv.Itoa(i+1)
	}
	return nodes
}

func baseConfig(failMode string) *config.ClusterConfig {
	return &config.ClusterConfig{
		ReplicationFactor:  3,
		WriteQuorum:        2,
		TokensPerNode:      10,
		SyncIntervalMS:     60000,
		GossipIntervalMS:   1000,
		FailureThresholdMS: 3000,
		NodeFailMode:       failMode,
		LogLevel:           "error",
		Nodes:              tenNodes(),
	}
}

// rebuildStores changes every replica store's fail mode by restarting the
// cluster's stores directly, mirroring "switch fail mode" test
// step without tearing down the ring or coordinator wiring.
func rebuildStores(t *testing.T, c *Cluster, failMode replica.FailMode, failNodes map[string]struct{}) {
	t.Helper()
	for n, s := range c.stores {
		s.Close()
		c.stores[n] = replica.NewStore(n, failMode, failNodes)
	}
}

func TestS1AllSucceed(t *testing.T) {
	c, err := InitializeNodes(baseConfig("always_succeed"))
	if err != nil {
		t.Fatalf("InitializeNodes: %v", err)
	}
	defer c.Stop()

	ctx := context.Background()
	if err := c.Coordinator.Put(ctx, c.Ring(), "test_key", []byte("test_value"), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := c.Coordinator.Get(ctx, c.Ring(), "test_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "test_value" {
		t.Fatalf("expected test_value, got %q", v)
	}
}

func TestS2AllFail(t *testing.T) {
	c, err := InitializeNodes(baseConfig("always_fail"))
	if err != nil {
		t.Fatalf("InitializeNodes: %v", err)
	}
	defer c.Stop()

	ctx := context.Background()
	if err := c.Coordinator.Put(ctx, c.Ring(), "key_fail", []byte("value_fail"), nil); !errors.Is(err, coordinator.ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet, got %v", err)
	}
	if _, err := c.Coordinator.Get(ctx, c.Ring(), "key_fail"); !errors.Is(err, coordinator.ErrNoResponses) {
		t.Fatalf("expected ErrNoResponses, got %v", err)
	}
	if got := c.Hints().Len(); got != 3 {
		t.Fatalf("expected 3 hint rows (RF=3), got %d", got)
	}
}

func TestS3PartialWithQuorum(t *testing.T) {
	cfg := baseConfig("partial")
	cfg.FailNodes = []string{"node1", "node2", "node4", "node5"}
	c, err := InitializeNodes(cfg)
	if err != nil {
		t.Fatalf("InitializeNodes: %v", err)
	}
	defer c.Stop()

	ctx := context.Background()
	if err := c.Coordinator.Put(ctx, c.Ring(), "key_partial", []byte("value_partial"), nil); err != nil {
		t.Fatalf("expected put to succeed via quorum despite failing nodes, got: %v", err)
	}

	v, err := c.Coordinator.Get(ctx, c.Ring(), "key_partial")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "value_partial" {
		t.Fatalf("expected value_partial, got %q", v)
	}
}

func TestS4HintDrainsOnRecovery(t *testing.T) {
	c, err := InitializeNodes(baseConfig("always_fail"))
	if err != nil {
		t.Fatalf("InitializeNodes: %v", err)
	}
	defer c.Stop()

	ctx := context.Background()
	if err := c.Coordinator.Put(ctx, c.Ring(), "test_key", []byte("test_value"), nil); err == nil {
		t.Fatal("expected put to fail under always_fail")
	}
	if got := c.Hints().Len(); got != 3 {
		t.Fatalf("expected 3 hints queued, got %d", got)
	}

	rebuildStores(t, c, replica.AlwaysSucceed, nil)

	c.Hints().RetryAll(ctx, func() int64 { return 1 }, time.Second)

	if got := c.Hints().Len(); got != 0 {
		t.Fatalf("expected hint table drained after retry_all, got %d rows", got)
	}

	v, err := c.Coordinator.Get(ctx, c.Ring(), "test_key")
	if err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
	if string(v) != "test_value" {
		t.Fatalf("expected test_value after recovery, got %q", v)
	}
}

func TestS5MerkleRepair(t *testing.T) {
	c, err := InitializeNodes(baseConfig("always_succeed"))
	if err != nil {
		t.Fatalf("InitializeNodes: %v", err)
	}
	defer c.Stop()

	replicas := c.ring.Tokens()
	if len(replicas) == 0 {
		t.Fatal("expected a non-empty ring")
	}

	n1, ok1 := c.stores["node1"]
	n2, ok2 := c.stores["node2"]
	if !ok1 || !ok2 {
		t.Fatal("expected node1 and node2 in cluster")
	}

	n1.Put("test_key", replica.Versioned{Value: []byte("original_value"), Clock: vclock.Update(nil, "node1"), Timestamp: 1})
	n2.Put("test_key", replica.Versioned{Value: []byte("outdated_value"), Clock: vclock.Update(nil, "node2"), Timestamp: 1})

	// Force node1 and node2 to be reconciliation partners regardless of
	// where the 10-node ring happens to place test_key, by synchronizing
	// node1 directly: SynchronizeNode walks every token node1 owns and
	// reconciles against every co-replicating partner, which for a 10-node,
	// RF=3 ring includes enough of the other nodes that node2 is very
	// likely among them; the assertion below is on node2 specifically, so
	// this test pins RF=10 instead to guarantee node1 and node2 share
	// every token's preference list.
	c2cfg := baseConfig("always_succeed")
	c2cfg.ReplicationFactor = 10
	c2cfg.WriteQuorum = 2
	c2, err := InitializeNodes(c2cfg)
	if err != nil {
		t.Fatalf("InitializeNodes: %v", err)
	}
	defer c2.Stop()

	n1b := c2.stores["node1"]
	n2b := c2.stores["node2"]
	n1b.Put("test_key", replica.Versioned{Value: []byte("original_value"), Clock: vclock.Update(nil, "node1"), Timestamp: 1})
	n2b.Put("test_key", replica.Versioned{Value: []byte("outdated_value"), Clock: vclock.Update(nil, "node2"), Timestamp: 1})

	if err := c2.SynchronizeNode(context.Background(), "node1"); err != nil {
		t.Fatalf("SynchronizeNode: %v", err)
	}

	v, ok := n2b.Get("test_key")
	if !ok {
		t.Fatal("expected test_key present on node2 after synchronization")
	}
	if string(v.Value) != "original_value" {
		t.Fatalf("expected node2 to converge to original_value, got %q", v.Value)
	}
}

func TestS6ConcurrentLWWConverges(t *testing.T) {
	c, err := InitializeNodes(baseConfig("always_succeed"))
	if err != nil {
		t.Fatalf("InitializeNodes: %v", err)
	}
	defer c.Stop()

	ctx := context.Background()
	if err := c.Coordinator.Put(ctx, c.Ring(), "user2", []byte("Bob"), nil); err != nil {
		t.Fatalf("put Bob: %v", err)
	}
	if err := c.Coordinator.Put(ctx, c.Ring(), "user2", []byte("Charlie"), nil); err != nil {
		t.Fatalf("put Charlie: %v", err)
	}

	v, err := c.Coordinator.Get(ctx, c.Ring(), "user2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "Bob" && string(v) != "Charlie" {
		t.Fatalf("expected Bob or Charlie, got %q", v)
	}

	if err := c.SynchronizeNode(ctx, c.cfg.Nodes[0]); err != nil {
		t.Fatalf("SynchronizeNode: %v", err)
	}

	v2, err := c.Coordinator.Get(ctx, c.Ring(), "user2")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if string(v2) != string(v) {
		t.Fatalf("expected deterministic convergence, first get=%q second get=%q", v, v2)
	}
}
