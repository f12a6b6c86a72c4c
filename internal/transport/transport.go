// Package transport defines the capability interface the coordinator and
// anti-entropy synchronizer use to talk to a replica, and an in-process
// implementation of it. A real multi-process deployment would provide a
// network-backed implementation of the same interface; this repo only ships
// the in-process one, since RPC transport is an explicitly external
// collaborator of this spec.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangiris17/distributed-kv-store/internal/merkle"
	"github.com/huangiris17/distributed-kv-store/internal/replica"
)

// ErrTransient marks a replica call as having failed in a way that counts
// against quorum but carries no information about the replica's data
// (timeout, unreachable node). ErrFatal marks an internal replica error
// (e.g. replica.ErrPutFailed) surfacing through the boundary. Both are
// folded into "failure" by the coordinator; the distinction exists for
// logging, per the discriminated-result-shapes design note.
var (
	ErrTransient = errors.New("transport: replica unreachable or timed out")
	ErrFatal     = errors.New("transport: replica reported an internal error")
	ErrUnknownNode = errors.New("transport: unknown node")
)

// ReplicaTransport is the capability interface consumed by the coordinator
// and the anti-entropy synchronizer. Implementations provide the network
// hop (or, for InProcess, a direct call) to a named replica.
type ReplicaTransport interface {
	Get(ctx context.Context, node, key string) (replica.Versioned, bool, error)
	Put(ctx context.Context, node, key string, v replica.Versioned) error
	GetAll(ctx context.Context, node string) (map[string]replica.Versioned, error)
	GetMerkle(ctx context.Context, node string) (*merkle.Tree, error)
}

// InProcess dispatches directly to in-memory *replica.Store handles. It is
// the transport used by every test in this repo and by a single-process
// multi-node deployment (cmd/dkvnode).
type InProcess struct {
	stores map[string]*replica.Store
}

// NewInProcess builds an InProcess transport over the given node -> store
// mapping. The map is retained by reference; adding nodes later requires a
// new InProcess (topology changes build a new Ring and, in lockstep, a new
// transport handle).
func NewInProcess(stores map[string]*replica.Store) *InProcess {
	return &InProcess{stores: stores}
}

func (t *InProcess) resolve(node string) (*replica.Store, error) {
	s, ok := t.stores[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return s, nil
}

// Get looks up key on node. ctx is honored cooperatively: InProcess calls
// are synchronous and fast, but a canceled/expired ctx short-circuits
// before dispatch so a deadline that elapsed while queued is still
// observed by the caller.
func (t *InProcess) Get(ctx context.Context, node, key string) (replica.Versioned, bool, error) {
	if err := ctx.Err(); err != nil {
		return replica.Versioned{}, false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s, err := t.resolve(node)
	if err != nil {
		return replica.Versioned{}, false, err
	}
	v, ok := s.Get(key)
	return v, ok, nil
}

func (t *InProcess) Put(ctx context.Context, node, key string, v replica.Versioned) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s, err := t.resolve(node)
	if err != nil {
		return err
	}
	if err := s.Put(key, v); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return nil
}

func (t *InProcess) GetAll(ctx context.Context, node string) (map[string]replica.Versioned, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s, err := t.resolve(node)
	if err != nil {
		return nil, err
	}
	return s.GetAll(), nil
}

func (t *InProcess) GetMerkle(ctx context.Context, node string) (*merkle.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s, err := t.resolve(node)
	if err != nil {
		return nil, err
	}
	return s.GetMerkle(), nil
}
