// Package handoff implements the hinted-handoff queue: a process-wide,
// upsert-on-write table of pending writes that could not be delivered to
// their target replica, with bounded retry.
//
// The table is backed by puzpuzpuz/xsync.Map, the same lock-free concurrent
// map family a sharded storage engine uses for its shards — here it gives
// row-level atomic upsert/delete on (target, key) without a mutex guarding
// the whole table.
package handoff

import (
	"context"
	"time"

	"github.com/huangiris17/distributed-kv-store/internal/logging"
	"github.com/huangiris17/distributed-kv-store/internal/replica"
	"github.com/huangiris17/distributed-kv-store/internal/telemetry"
	"github.com/huangiris17/distributed-kv-store/internal/transport"
	"github.com/huangiris17/distributed-kv-store/internal/vclock"
	"github.com/puzpuzpuz/xsync/v3"
)

// MaxRetries is the retry-count ceiling past which a hint is left in place
// but no longer retried, per eligibility invariant.
const MaxRetries = 5

// Hint is a single pending write.
type Hint struct {
	Target  string
	Key     string
	Value   []byte
	Clock   vclock.Clock
	Retries int
}

func rowKey(target, key string) string {
	return target + "\x00" + key
}

// Queue is the process-wide hint table.
type Queue struct {
	rows      *xsync.MapOf[string, Hint]
	transport transport.ReplicaTransport
	log       logging.Logger
	metrics   *telemetry.Handle
}

// NewQueue constructs an empty hint queue that will replay hints against t.
func NewQueue(t transport.ReplicaTransport, log logging.Logger, metrics *telemetry.Handle) *Queue {
	return &Queue{
		rows:      xsync.NewMapOf[string, Hint](),
		transport: t,
		log:       log,
		metrics:   metrics,
	}
}

// Store upserts a hint for (target, key), overwriting any prior hint for
// the same pair and resetting its retry count to zero.
func (q *Queue) Store(target, key string, value []byte, clock vclock.Clock) {
	q.rows.Store(rowKey(target, key), Hint{
		Target: target,
		Key:    key,
		Value:  value,
		Clock:  clock.Clone(),
	})
	q.metrics.Counter("handoff_store_total").Inc()
	q.log.Debugf("stored hint for target=%s key=%s", target, key)
}

// Len returns the number of hints currently queued, eligible or not.
func (q *Queue) Len() int {
	return q.rows.Size()
}

// HintsFor returns every currently-queued hint whose target is node, for
// tests and observability.
func (q *Queue) HintsFor(node string) []Hint {
	var out []Hint
	q.rows.Range(func(_ string, h Hint) bool {
		if h.Target == node {
			out = append(out, h)
		}
		return true
	})
	return out
}

// RetryAll replays every hint whose retry count is below MaxRetries: it
// stamps a fresh write timestamp and issues a Put against the target. A
// successful Put deletes the hint; a failed one increments its retry
// count and leaves it queued. Hints that reach MaxRetries are left in
// place — logged, no longer retried — until an operator or topology change
// removes them.
func (q *Queue) RetryAll(ctx context.Context, nowMS func() int64, deadline time.Duration) {
	q.rows.Range(func(key string, h Hint) bool {
		if h.Retries >= MaxRetries {
			return true
		}

		callCtx, cancel := context.WithTimeout(ctx, deadline)
		err := q.transport.Put(callCtx, h.Target, h.Key, replica.Versioned{
			Value:     h.Value,
			Clock:     h.Clock,
			Timestamp: nowMS(),
		})
		cancel()

		if err == nil {
			q.rows.Delete(key)
			q.metrics.Counter("handoff_retry_success_total").Inc()
			q.log.Infof("replayed hint for target=%s key=%s", h.Target, h.Key)
			return true
		}

		h.Retries++
		if h.Retries >= MaxRetries {
			q.metrics.Counter("handoff_exhausted_total").Inc()
			q.log.Warnf("hint for target=%s key=%s exhausted retries: %v", h.Target, h.Key, err)
		} else {
			q.metrics.Counter("handoff_retry_failure_total").Inc()
		}
		q.rows.Store(key, h)
		return true
	})
}
