package gossip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/huangiris17/distributed-kv-store/internal/logging"
)

// MemberlistTransport binds PeerTransport to a real hashicorp/memberlist
// cluster, carrying this package's wireMessage as memberlist's user
// messages. It is the production counterpart to Registry: cmd/dkvnode uses
// this so that gossip rounds actually cross process/network boundaries,
// while every test in this repo uses the in-process Registry instead.
type MemberlistTransport struct {
	ml  *memberlist.Memberlist
	log logging.Logger

	nextCorrelation atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan View

	viewSource func() View
	gossipSink func(View)
}

// NewMemberlistTransport starts a memberlist agent named node, bound to
// bindAddr, and joins the cluster via the given seed addresses (may be
// empty for the first node). Call SetLocalBindings before any gossip
// traffic arrives so inbound messages have somewhere to go.
func NewMemberlistTransport(node, bindAddr string, bindPort int, seeds []string, log logging.Logger) (*MemberlistTransport, error) {
	t := &MemberlistTransport{log: log, pending: make(map[uint64]chan View)}

	cfg := memberlist.DefaultLocalConfig()
	cfg.Name = node
	cfg.BindAddr = bindAddr
	cfg.BindPort = bindPort
	cfg.Delegate = &delegate{t: t}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("gossip: failed to start memberlist agent: %w", err)
	}
	t.ml = ml

	if len(seeds) > 0 {
		if _, err := ml.Join(seeds); err != nil {
			return nil, fmt.Errorf("gossip: failed to join cluster via %v: %w", seeds, err)
		}
	}

	return t, nil
}

// SetLocalBindings wires this transport's inbound handler to a specific
// Task's view accessor and merge sink. Call once, right after NewTask.
func (t *MemberlistTransport) SetLocalBindings(viewSource func() View, gossipSink func(View)) {
	t.viewSource = viewSource
	t.gossipSink = gossipSink
}

// Shutdown leaves the cluster and releases the underlying network agent.
func (t *MemberlistTransport) Shutdown() error {
	if err := t.ml.Leave(5 * time.Second); err != nil {
		t.log.Warnf("memberlist leave failed: %v", err)
	}
	return t.ml.Shutdown()
}

func (t *MemberlistTransport) nodeByName(name string) (*memberlist.Node, error) {
	for _, n := range t.ml.Members() {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, name)
}

// SendGossip pushes view to the peer named to via a reliable memberlist
// user message.
func (t *MemberlistTransport) SendGossip(ctx context.Context, to string, view View) error {
	n, err := t.nodeByName(to)
	if err != nil {
		return err
	}
	payload, err := encodeWire(wireMessage{Kind: wireGossip, From: t.ml.LocalNode().Name, View: view})
	if err != nil {
		return err
	}
	return t.ml.SendReliable(n, payload)
}

// RequestView asks the peer named to for its current view and blocks until
// a matching response arrives or ctx is done.
func (t *MemberlistTransport) RequestView(ctx context.Context, to string) (View, error) {
	n, err := t.nodeByName(to)
	if err != nil {
		return nil, err
	}

	id := t.nextCorrelation.Add(1)
	reply := make(chan View, 1)
	t.mu.Lock()
	t.pending[id] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	payload, err := encodeWire(wireMessage{Kind: wireViewRequest, From: t.ml.LocalNode().Name, CorrelationID: id})
	if err != nil {
		return nil, err
	}
	if err := t.ml.SendReliable(n, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
}

// handleInbound dispatches a decoded wireMessage: a gossip push goes to
// gossipSink, a view request is answered immediately via SendReliable, and
// a view response is routed to whichever RequestView call is waiting on
// its correlation id.
func (t *MemberlistTransport) handleInbound(msg wireMessage) {
	switch msg.Kind {
	case wireGossip:
		if t.gossipSink != nil {
			t.gossipSink(msg.View)
		}
	case wireViewRequest:
		n, err := t.nodeByName(msg.From)
		if err != nil || t.viewSource == nil {
			return
		}
		payload, err := encodeWire(wireMessage{
			Kind:          wireViewResponse,
			From:          t.ml.LocalNode().Name,
			CorrelationID: msg.CorrelationID,
			View:          t.viewSource(),
		})
		if err != nil {
			return
		}
		_ = t.ml.SendReliable(n, payload)
	case wireViewResponse:
		t.mu.Lock()
		ch, ok := t.pending[msg.CorrelationID]
		t.mu.Unlock()
		if ok {
			ch <- msg.View
		}
	}
}

// delegate implements memberlist.Delegate, routing NotifyMsg into the
// transport's pending-request table and gossip sink. Every other delegate
// method is a no-op: this transport carries no node metadata and relies on
// memberlist's own membership state rather than its push/pull anti-entropy
// broadcast mechanism.
type delegate struct {
	t *MemberlistTransport
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(b []byte) {
	msg, err := decodeWire(b)
	if err != nil {
		d.t.log.Warnf("gossip: failed to decode inbound memberlist message: %v", err)
		return
	}
	d.t.handleInbound(msg)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}
