package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/huangiris17/distributed-kv-store/internal/logging"
	"github.com/huangiris17/distributed-kv-store/internal/telemetry"
)

// Config holds a gossip Task's round timing.
type Config struct {
	RoundInterval    time.Duration // G
	AcceptWindow     time.Duration // the per-round receive window
	FailureThreshold time.Duration // F
}

// DefaultConfig uses the default timing: 1s rounds, 100ms accept window, 3s failure threshold.
func DefaultConfig() Config {
	return Config{RoundInterval: time.Second, AcceptWindow: 100 * time.Millisecond, FailureThreshold: 3 * time.Second}
}

// NowFunc returns the current time in milliseconds, overridable in tests.
type NowFunc func() int64

// Task is a per-node long-lived gossip actor. Its view is owned exclusively
// by its own round loop; every other access goes through Send/RequestView
// on the registered PeerTransport, never direct field access.
type Task struct {
	node      string
	cfg       Config
	registry  *Registry
	transport PeerTransport
	now       NowFunc
	rng       *rand.Rand
	onRecovered func(node string)
	log       logging.Logger
	metrics   *telemetry.Handle

	mu   sync.Mutex
	view View

	mailbox chan inbound
	stop    chan struct{}
	done    chan struct{}
}

// NewTask creates a gossip task for node, seeded with an initial view
// (typically all-alive for every node InitializeNodes starts with).
func NewTask(node string, cfg Config, registry *Registry, transport PeerTransport, now NowFunc, onRecovered func(node string), log logging.Logger, metrics *telemetry.Handle, seed View) *Task {
	return &Task{
		node:        node,
		cfg:         cfg,
		registry:    registry,
		transport:   transport,
		now:         now,
		rng:         rand.New(rand.NewSource(int64(hashSeed(node)))),
		onRecovered: onRecovered,
		log:         log,
		metrics:     metrics,
		view:        seed.Clone(),
		mailbox:     make(chan inbound, 32),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func hashSeed(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Start registers the task's mailbox with its registry and begins the round
// loop in a new goroutine. registry may be nil when the task's PeerTransport
// is network-backed (MemberlistTransport) rather than the in-process
// Registry, since inbound delivery then arrives via PushGossip instead of a
// registry-routed mailbox lookup.
func (t *Task) Start() {
	if t.registry != nil {
		t.registry.register(t.node, t.mailbox)
	}
	go t.loop()
}

// Stop ends the round loop and unregisters the task's mailbox.
func (t *Task) Stop() {
	close(t.stop)
	<-t.done
	if t.registry != nil {
		t.registry.unregister(t.node)
	}
}

// View returns a snapshot of the task's current membership view.
func (t *Task) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.Clone()
}

// SeedPeers adds peer node ids the task has not heard of yet to its view as
// Alive, without disturbing any existing record. Cluster bootstrap does not
// call it; it passes the initial all-alive membership to NewTask instead.
func (t *Task) SeedPeers(peers []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		if _, ok := t.view[p]; !ok {
			t.view[p] = Record{Status: Alive, LastHeard: t.now()}
		}
	}
}

func (t *Task) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.RoundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.runRound()
		}
	}
}

// runRound executes one gossip round: snapshot the current view, refresh
// self, gossip to one random peer, accept inbound messages (which may merge
// in a fresher record reviving a node this task had marked Failed), then
// detect failures. The pre-round snapshot is compared against the
// post-merge view so a Failed->Alive transition introduced by a merge
// during this round is actually observable.
func (t *Task) runRound() {
	t.mu.Lock()
	before := t.view
	t.mu.Unlock()

	t.refreshSelf()
	t.gossipToRandomPeer()
	t.acceptInbound()

	t.mu.Lock()
	after := DetectFailures(t.view, t.now(), int64(t.cfg.FailureThreshold/time.Millisecond))
	transitioned := Transitions(before, after)
	t.view = after
	t.mu.Unlock()

	if len(transitioned) > 0 && t.onRecovered != nil {
		for _, node := range transitioned {
			t.metrics.Counter("gossip_recovery_total").Inc()
			t.log.Infof("node %s observed failed->alive transition for %s, triggering hint replay", t.node, node)
			t.onRecovered(node)
		}
	}
}

func (t *Task) refreshSelf() {
	t.mu.Lock()
	t.view[t.node] = Record{Status: Alive, LastHeard: t.now()}
	t.mu.Unlock()
}

func (t *Task) gossipToRandomPeer() {
	peer := t.pickRandomPeer()
	if peer == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.AcceptWindow)
	defer cancel()

	snapshot := t.View()
	if err := t.transport.SendGossip(ctx, peer, snapshot); err != nil {
		t.log.Debugf("gossip send from %s to %s failed: %v", t.node, peer, err)
	}
}

func (t *Task) pickRandomPeer() string {
	t.mu.Lock()
	peers := make([]string, 0, len(t.view))
	for n := range t.view {
		if n != t.node {
			peers = append(peers, n)
		}
	}
	t.mu.Unlock()

	if len(peers) == 0 {
		return ""
	}
	return peers[t.rng.Intn(len(peers))]
}

// acceptInbound drains the mailbox for up to AcceptWindow, merging incoming
// gossip views and replying to get_view requests.
func (t *Task) acceptInbound() {
	deadline := time.After(t.cfg.AcceptWindow)
	for {
		select {
		case msg := <-t.mailbox:
			t.handleInbound(msg)
		case <-deadline:
			return
		}
	}
}

// PushGossip delivers a view received over a real network transport
// (MemberlistTransport) into this task's mailbox, preserving the
// single-writer invariant on t.view. It never blocks: a full mailbox means
// the task is falling behind, and the incoming push is dropped rather than
// stalling the delegate's network goroutine.
func (t *Task) PushGossip(v View) {
	select {
	case t.mailbox <- inbound{gossip: &v}:
	default:
		t.log.Debugf("gossip mailbox for %s full, dropping inbound push", t.node)
	}
}

func (t *Task) handleInbound(msg inbound) {
	if msg.gossip != nil {
		t.mu.Lock()
		t.view = Merge(t.view, *msg.gossip)
		t.mu.Unlock()
		return
	}
	if msg.viewReq != nil {
		msg.viewReq <- t.View()
	}
}
