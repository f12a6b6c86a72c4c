// Package coordinator implements the client-facing Put/Get surface: fan-out
// to the replicas in a key's preference list, quorum counting, vector-clock
// reconciliation with last-writer-wins fallback, and scheduling of hints for
// replicas a write could not reach.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/huangiris17/distributed-kv-store/internal/handoff"
	"github.com/huangiris17/distributed-kv-store/internal/logging"
	"github.com/huangiris17/distributed-kv-store/internal/replica"
	"github.com/huangiris17/distributed-kv-store/internal/ring"
	"github.com/huangiris17/distributed-kv-store/internal/telemetry"
	"github.com/huangiris17/distributed-kv-store/internal/transport"
	"github.com/huangiris17/distributed-kv-store/internal/vclock"
	"github.com/sourcegraph/conc"
)

// ErrNoResponses is returned by Get when every replica in the preference
// list failed, timed out, or does not have the key.
var ErrNoResponses = errors.New("coordinator: no successful replica responses")

// ErrQuorumNotMet is returned by Put when fewer than the write quorum's
// worth of replicas acknowledged the write.
var ErrQuorumNotMet = errors.New("coordinator: write quorum not met")

// Config holds the coordinator's compile/start-time policy knobs.
type Config struct {
	ReplicationFactor int           // R
	WriteQuorum       int           // W
	Deadline          time.Duration // D, per-dispatch deadline
}

// DefaultConfig matches defaults: R=3, W=2, D=5s.
func DefaultConfig() Config {
	return Config{ReplicationFactor: 3, WriteQuorum: 2, Deadline: 5 * time.Second}
}

// NowFunc returns the current time in milliseconds, overridable in tests
// for deterministic timestamps.
type NowFunc func() int64

// Coordinator executes quorum Get/Put against a Ring and a
// transport.ReplicaTransport, reconciling versions and scheduling hints on
// the write path.
type Coordinator struct {
	cfg       Config
	transport transport.ReplicaTransport
	hints     *handoff.Queue
	now       NowFunc
	log       logging.Logger
	metrics   *telemetry.Handle
}

// New constructs a Coordinator. hints may be shared with a gossip task so
// that a node's failed->alive transition can trigger hint replay.
func New(cfg Config, t transport.ReplicaTransport, hints *handoff.Queue, now NowFunc, log logging.Logger, metrics *telemetry.Handle) *Coordinator {
	return &Coordinator{cfg: cfg, transport: t, hints: hints, now: now, log: log, metrics: metrics}
}

type putOutcome struct {
	node string
	err  error
}

// Put resolves key's preference list on ring, stamps a coordinator-side
// write timestamp, and dispatches a Put to every replica in parallel under
// the configured deadline. If vc is nil, each replica's write uses its own
// current clock, advanced for that replica; if vc is non-nil, every replica
// uses the same caller-supplied clock. Replicas that fail or do not respond
// within the deadline get a Hint enqueued; Put returns ok only once at
// least WriteQuorum replicas acknowledged. The deadline reaches replicas
// only through ctx: Put waits for every dispatch to return, so a transport
// that does not honor ctx can hold it past the deadline.
func (c *Coordinator) Put(ctx context.Context, r *ring.Ring, key string, value []byte, vc vclock.Clock) error {
	replicas := ring.PreferenceList(r, key, c.cfg.ReplicationFactor)
	ts := c.now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	outcomes := make(chan putOutcome, len(replicas))
	usedClocks := make(chan struct {
		node  string
		clock vclock.Clock
	}, len(replicas))

	var wg conc.WaitGroup
	for _, node := range replicas {
		node := node
		wg.Go(func() {
			clockOut := vc
			if clockOut == nil {
				existing, _, err := c.transport.Get(ctx, node, key)
				base := vclock.Clock{}
				if err == nil {
					base = existing.Clock
				}
				clockOut = vclock.Update(base, node)
			}
			usedClocks <- struct {
				node  string
				clock vclock.Clock
			}{node, clockOut}

			err := c.transport.Put(ctx, node, key, replica.Versioned{Value: value, Clock: clockOut, Timestamp: ts})
			outcomes <- putOutcome{node: node, err: err}
		})
	}
	wg.Wait()
	close(outcomes)
	close(usedClocks)

	clocksByNode := make(map[string]vclock.Clock, len(replicas))
	for uc := range usedClocks {
		clocksByNode[uc.node] = uc.clock
	}

	succeeded := 0
	var merr *multierror.Error
	for o := range outcomes {
		if o.err == nil {
			succeeded++
			continue
		}
		merr = multierror.Append(merr, o.err)
		clock := clocksByNode[o.node]
		c.hints.Store(o.node, key, value, clock)
	}

	if succeeded >= c.cfg.WriteQuorum {
		c.metrics.Counter("coordinator_put_ok_total").Inc()
		return nil
	}

	c.metrics.Counter("coordinator_put_quorum_miss_total").Inc()
	if merr != nil {
		c.log.Warnf("put for key=%s missed quorum (%d/%d ok): %v", key, succeeded, c.cfg.WriteQuorum, merr)
	}
	return ErrQuorumNotMet
}

type getResponse struct {
	node string
	v    replica.Versioned
}

// Get resolves key's preference list on ring and issues a parallel Get to
// every replica under the configured deadline, dropping missing keys and
// transport errors. With zero successful responses it returns
// ErrNoResponses. With exactly one, that value is returned verbatim. With
// more than one, it looks for a response whose clock is a descendant of (or
// equal to) every other response's clock and returns that value if found;
// otherwise the responses are mutually concurrent and it falls back to
// last-writer-wins by timestamp, asynchronously issuing a read-repair Put
// with the merged clock before returning the LWW value. As with Put, Get
// waits for every dispatch to return; the deadline reaches replicas only
// through ctx.
func (c *Coordinator) Get(ctx context.Context, r *ring.Ring, key string) ([]byte, error) {
	replicas := ring.PreferenceList(r, key, c.cfg.ReplicationFactor)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	responses := make(chan getResponse, len(replicas))
	var wg conc.WaitGroup
	for _, node := range replicas {
		node := node
		wg.Go(func() {
			v, ok, err := c.transport.Get(ctx, node, key)
			if err != nil || !ok {
				return
			}
			responses <- getResponse{node: node, v: v}
		})
	}
	wg.Wait()
	close(responses)

	var got []getResponse
	for resp := range responses {
		got = append(got, resp)
	}

	if len(got) == 0 {
		c.metrics.Counter("coordinator_get_no_responses_total").Inc()
		return nil, ErrNoResponses
	}
	if len(got) == 1 {
		return got[0].v.Value, nil
	}

	if winner, ok := causalWinner(got); ok {
		return winner.Value, nil
	}

	c.metrics.Counter("coordinator_get_concurrent_total").Inc()
	lww := pickLWW(got)
	merged := vclock.MergeAll(clocksOf(got))

	go func() {
		repairCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Deadline)
		defer cancel()
		if err := c.Put(repairCtx, r, key, lww.Value, merged); err != nil {
			c.log.Debugf("read-repair put for key=%s failed: %v", key, err)
		}
	}()

	return lww.Value, nil
}

// causalWinner returns the response whose clock is a descendant of (or
// equal to) every other response's clock, if one exists.
func causalWinner(got []getResponse) (replica.Versioned, bool) {
	for _, candidate := range got {
		dominates := true
		for _, other := range got {
			rel := vclock.Compare(candidate.v.Clock, other.v.Clock)
			if rel != vclock.Equal && rel != vclock.Descendant {
				dominates = false
				break
			}
		}
		if dominates {
			return candidate.v, true
		}
	}
	return replica.Versioned{}, false
}

// pickLWW returns the response with the maximum timestamp, breaking ties by
// node id for determinism.
func pickLWW(got []getResponse) replica.Versioned {
	best := got[0]
	for _, r := range got[1:] {
		if r.v.Timestamp > best.v.Timestamp ||
			(r.v.Timestamp == best.v.Timestamp && r.node < best.node) {
			best = r
		}
	}
	return best.v
}

func clocksOf(got []getResponse) []vclock.Clock {
	out := make([]vclock.Clock, len(got))
	for i, r := range got {
		out[i] = r.v.Clock
	}
	return out
}
