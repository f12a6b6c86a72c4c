package gossip

import (
	"context"
	"errors"
	"fmt"
)

// ErrPeerUnreachable is returned by a PeerTransport when a peer's task is
// not reachable (no registered handle, or it did not reply in time).
var ErrPeerUnreachable = errors.New("gossip: peer unreachable")

// PeerTransport is the capability a gossip Task uses to reach another
// node's gossip task: a production deployment binds it to a real
// network (see memberlist.go); tests and single-process clusters bind it to
// an in-process channel registry (Registry, below).
type PeerTransport interface {
	// SendGossip delivers view to the peer named to, best-effort.
	SendGossip(ctx context.Context, to string, view View) error
	// RequestView asks the peer named to for its current view.
	RequestView(ctx context.Context, to string) (View, error)
}

// inbound is what a Task's mailbox carries.
type inbound struct {
	gossip   *View
	viewReq  chan View
}

// Registry is an explicit NodeId -> mailbox-handle map, the in-process
// PeerTransport used by every test in this repo and by a single-process
// multi-node deployment. It avoids any reflection-based task lookup.
type Registry struct {
	mailboxes map[string]chan inbound
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{mailboxes: make(map[string]chan inbound)}
}

// register associates node with its mailbox channel. Called by Task.Start.
func (r *Registry) register(node string, mailbox chan inbound) {
	r.mailboxes[node] = mailbox
}

func (r *Registry) unregister(node string) {
	delete(r.mailboxes, node)
}

func (r *Registry) SendGossip(ctx context.Context, to string, view View) error {
	mb, ok := r.mailboxes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	select {
	case mb <- inbound{gossip: &view}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
}

func (r *Registry) RequestView(ctx context.Context, to string) (View, error) {
	mb, ok := r.mailboxes[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	reply := make(chan View, 1)
	select {
	case mb <- inbound{viewReq: reply}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
}
