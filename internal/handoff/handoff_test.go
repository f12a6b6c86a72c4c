package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/huangiris17/distributed-kv-store/internal/logging"
	"github.com/huangiris17/distributed-kv-store/internal/replica"
	"github.com/huangiris17/distributed-kv-store/internal/telemetry"
	"github.com/huangiris17/distributed-kv-store/internal/transport"
	"github.com/huangiris17/distributed-kv-store/internal/vclock"
)

func newTestQueue(t *testing.T, failMode replica.FailMode, nodes ...string) (*Queue, *transport.InProcess, func()) {
	t.Helper()
	stores := make(map[string]*replica.Store, len(nodes))
	for _, n := range nodes {
		stores[n] = replica.NewStore(n, failMode, nil)
	}
	tr := transport.NewInProcess(stores)
	log := logging.New("test", logging.Error)
	q := NewQueue(tr, log, telemetry.New())
	cleanup := func() {
		for _, s := range stores {
			s.Close()
		}
	}
	return q, tr, cleanup
}

func TestStoreUpsertsAndOverwrites(t *testing.T) {
	q, _, cleanup := newTestQueue(t, replica.AlwaysFail, "n1")
	defer cleanup()

	q.Store("n1", "k1", []byte("v1"), vclock.Clock{"c": 1})
	q.Store("n1", "k1", []byte("v2"), vclock.Clock{"c": 2})

	hints := q.HintsFor("n1")
	if len(hints) != 1 {
		t.Fatalf("expected a single upserted hint, got %d", len(hints))
	}
	if string(hints[0].Value) != "v2" {
		t.Fatalf("expected overwritten value v2, got %q", hints[0].Value)
	}
}

func TestRetryAllDrainsOnSuccess(t *testing.T) {
	q, _, cleanup := newTestQueue(t, replica.AlwaysSucceed, "n1")
	defer cleanup()

	q.Store("n1", "test_key", []byte("test_value"), vclock.Clock{"n1": 1})
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued hint, got %d", q.Len())
	}

	q.RetryAll(context.Background(), func() int64 { return 1 }, time.Second)

	if q.Len() != 0 {
		t.Fatalf("expected hint to drain after successful retry, got %d remaining", q.Len())
	}
}

func TestRetryAllIncrementsOnFailure(t *testing.T) {
	q, _, cleanup := newTestQueue(t, replica.AlwaysFail, "n1")
	defer cleanup()

	q.Store("n1", "k1", []byte("v1"), vclock.Clock{"n1": 1})
	q.RetryAll(context.Background(), func() int64 { return 1 }, time.Second)

	hints := q.HintsFor("n1")
	if len(hints) != 1 || hints[0].Retries != 1 {
		t.Fatalf("expected retries incremented to 1, got %v", hints)
	}
}

func TestRetryAllStopsAtMaxRetries(t *testing.T) {
	q, _, cleanup := newTestQueue(t, replica.AlwaysFail, "n1")
	defer cleanup()

	q.Store("n1", "k1", []byte("v1"), vclock.Clock{"n1": 1})
	for i := 0; i < MaxRetries+3; i++ {
		q.RetryAll(context.Background(), func() int64 { return 1 }, time.Second)
	}

	hints := q.HintsFor("n1")
	if len(hints) != 1 {
		t.Fatalf("exhausted hint should remain queued, got %d", len(hints))
	}
	if hints[0].Retries != MaxRetries {
		t.Fatalf("expected retries to cap at %d, got %d", MaxRetries, hints[0].Retries)
	}
}

func TestHintsForFiltersByTarget(t *testing.T) {
	q, _, cleanup := newTestQueue(t, replica.AlwaysFail, "n1", "n2")
	defer cleanup()

	q.Store("n1", "k1", []byte("v1"), vclock.Clock{})
	q.Store("n2", "k2", []byte("v2"), vclock.Clock{})

	if len(q.HintsFor("n1")) != 1 || len(q.HintsFor("n2")) != 1 {
		t.Fatalf("expected one hint per target")
	}
}
