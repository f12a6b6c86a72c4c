package antientropy

import (
	"context"
	"testing"
	"time"

	"github.com/huangiris17/distributed-kv-store/internal/logging"
	"github.com/huangiris17/distributed-kv-store/internal/merkle"
	"github.com/huangiris17/distributed-kv-store/internal/replica"
	"github.com/huangiris17/distributed-kv-store/internal/ring"
	"github.com/huangiris17/distributed-kv-store/internal/telemetry"
	"github.com/huangiris17/distributed-kv-store/internal/transport"
	"github.com/huangiris17/distributed-kv-store/internal/vclock"
)

func testLog() logging.Logger { return logging.New("antientropy-test", logging.Error) }

func TestSynchronizeNodeRepairsOutdatedReplica(t *testing.T) {
	n1 := replica.NewStore("n1", replica.AlwaysSucceed, nil)
	n2 := replica.NewStore("n2", replica.AlwaysSucceed, nil)
	defer n1.Close()
	defer n2.Close()

	if err := n1.Put("test_key", replica.Versioned{Value: []byte("original_value"), Clock: vclock.Update(nil, "n1"), Timestamp: 1}); err != nil {
		t.Fatalf("put on n1: %v", err)
	}
	if err := n2.Put("test_key", replica.Versioned{Value: []byte("outdated_value"), Clock: vclock.Update(nil, "n2"), Timestamp: 1}); err != nil {
		t.Fatalf("put on n2: %v", err)
	}

	tr := transport.NewInProcess(map[string]*replica.Store{"n1": n1, "n2": n2})
	r := ring.Build([]string{"n1", "n2"}, 4)

	s := NewSynchronizer(Config{SyncInterval: 0, ReplicationFactor: 2, MerkleFetchTimeout: 0}, tr, testLog(), telemetry.New())
	if err := s.SynchronizeNode(context.Background(), r, "n1"); err != nil {
		t.Fatalf("SynchronizeNode: %v", err)
	}

	v, ok := n2.Get("test_key")
	if !ok {
		t.Fatal("expected test_key to be present on n2 after synchronization")
	}
	if string(v.Value) != "original_value" {
		t.Fatalf("expected n2 to converge to n1's value, got %q", v.Value)
	}
}

func TestSynchronizeNodeNoopWhenAlreadyConverged(t *testing.T) {
	n1 := replica.NewStore("n1", replica.AlwaysSucceed, nil)
	n2 := replica.NewStore("n2", replica.AlwaysSucceed, nil)
	defer n1.Close()
	defer n2.Close()

	vc := vclock.Update(nil, "n1")
	n1.Put("k", replica.Versioned{Value: []byte("v"), Clock: vc, Timestamp: 1})
	n2.Put("k", replica.Versioned{Value: []byte("v"), Clock: vc, Timestamp: 1})

	tr := transport.NewInProcess(map[string]*replica.Store{"n1": n1, "n2": n2})
	r := ring.Build([]string{"n1", "n2"}, 4)
	s := NewSynchronizer(Config{ReplicationFactor: 2, MerkleFetchTimeout: time.Second}, tr, testLog(), telemetry.New())

	before, _ := n2.Get("k")
	if err := s.SynchronizeNode(context.Background(), r, "n1"); err != nil {
		t.Fatalf("SynchronizeNode: %v", err)
	}
	after, _ := n2.Get("k")
	if string(before.Value) != string(after.Value) {
		t.Fatal("expected converged replicas to remain unchanged")
	}
}

func TestFullSyncFallbackOnMerkleTimeout(t *testing.T) {
	n1 := replica.NewStore("n1", replica.AlwaysSucceed, nil)
	n2 := replica.NewStore("n2", replica.AlwaysSucceed, nil)
	defer n1.Close()
	defer n2.Close()

	n1.Put("only_on_n1", replica.Versioned{Value: []byte("v1"), Clock: vclock.Update(nil, "n1"), Timestamp: 1})

	tr := &timeoutOnceTransport{inner: transport.NewInProcess(map[string]*replica.Store{"n1": n1, "n2": n2})}
	r := ring.Build([]string{"n1", "n2"}, 4)
	s := NewSynchronizer(Config{ReplicationFactor: 2, MerkleFetchTimeout: time.Millisecond}, tr, testLog(), telemetry.New())

	if err := s.SynchronizeNode(context.Background(), r, "n1"); err != nil {
		t.Fatalf("SynchronizeNode: %v", err)
	}

	v, ok := n2.Get("only_on_n1")
	if !ok || string(v.Value) != "v1" {
		t.Fatalf("expected full-sync fallback to copy only_on_n1 to n2, got ok=%v v=%v", ok, v)
	}
}

// timeoutOnceTransport wraps an InProcess transport but fails GetMerkle
// every time, forcing the full-sync fallback path.
type timeoutOnceTransport struct {
	inner *transport.InProcess
}

func (t *timeoutOnceTransport) Get(ctx context.Context, node, key string) (replica.Versioned, bool, error) {
	return t.inner.Get(ctx, node, key)
}
func (t *timeoutOnceTransport) Put(ctx context.Context, node, key string, v replica.Versioned) error {
	return t.inner.Put(ctx, node, key, v)
}
func (t *timeoutOnceTransport) GetAll(ctx context.Context, node string) (map[string]replica.Versioned, error) {
	return t.inner.GetAll(ctx, node)
}
func (t *timeoutOnceTransport) GetMerkle(ctx context.Context, node string) (*merkle.Tree, error) {
	return nil, transport.ErrTransient
}
