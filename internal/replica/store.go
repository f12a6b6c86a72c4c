// Package replica implements the per-node value store: a single-writer
// actor owning a key/value map together with its vector clocks, write
// timestamps and the Merkle tree summarizing that map. All mutation is
// serialized through the actor's mailbox, so the "merkle is always a pure
// function of the map" invariant holds without any additional locking —
// the same single-writer actor shape as a typical in-memory store, generalized from a
// single value-plus-index to the Versioned triple this domain needs.
package replica

import (
	"errors"
	"fmt"

	"github.com/huangiris17/distributed-kv-store/internal/merkle"
	"github.com/huangiris17/distributed-kv-store/internal/vclock"
)

// ErrPutFailed is returned when a Put could not be applied. The prior state
// is left untouched: the replica never applies a write partially.
var ErrPutFailed = errors.New("replica: put failed")

// FailMode is node_fail_mode test-injection switch, read at
// replica-put time.
type FailMode int

const (
	// AlwaysSucceed applies every Put normally.
	AlwaysSucceed FailMode = iota
	// AlwaysFail rejects every Put with ErrPutFailed without mutating state.
	AlwaysFail
	// Partial rejects Puts for a fixed, configured subset of nodes.
	Partial
)

// Versioned is the stored shape of a value: the value itself, the vector
// clock that produced it, and the coordinator's write timestamp.
type Versioned struct {
	Value     []byte
	Clock     vclock.Clock
	Timestamp int64
}

// request is a single mailbox message. op selects the operation; key and
// value are used only by the operations that need them. reply is always
// written to exactly once.
type request struct {
	op    opKind
	key   string
	value Versioned
	reply chan response
}

type opKind int

const (
	opGet opKind = iota
	opPut
	opGetAll
	opGetMerkle
)

type response struct {
	versioned Versioned
	found     bool
	all       map[string]Versioned
	tree      *merkle.Tree
	err       error
}

// Store is a single-writer replica actor. Construct with NewStore and stop
// with Close; all other access is through Get/Put/GetAll/GetMerkle, which
// are safe to call concurrently from any number of goroutines.
type Store struct {
	node     string
	engine   *engine
	mailbox  chan request
	done     chan struct{}
	failMode FailMode
	// failNodes is consulted only when failMode == Partial.
	failNodes map[string]struct{}
	merkle    *merkle.Tree
}

// NewStore starts a replica actor for node with the given fault-injection
// mode. failNodes is only consulted in Partial mode and names nodes (by the
// store's own node id) whose Puts should be rejected; pass nil when unused.
func NewStore(node string, failMode FailMode, failNodes map[string]struct{}) *Store {
	s := &Store{
		node:      node,
		engine:    newEngine(),
		mailbox:   make(chan request, 64),
		done:      make(chan struct{}),
		failMode:  failMode,
		failNodes: failNodes,
		merkle:    merkle.Build(map[string][]byte{}),
	}
	go s.run()
	return s
}

// Close stops the actor's mailbox loop. Pending requests already sent are
// still served; requests sent once the loop has stopped block forever, so
// callers must not use a Store after closing it.
func (s *Store) Close() {
	close(s.done)
}

func (s *Store) run() {
	for {
		select {
		case <-s.done:
			for {
				select {
				case req := <-s.mailbox:
					req.reply <- s.handle(req)
				default:
					return
				}
			}
		case req := <-s.mailbox:
			req.reply <- s.handle(req)
		}
	}
}

func (s *Store) handle(req request) response {
	switch req.op {
	case opGet:
		v, ok := s.engine.get(req.key)
		if !ok {
			return response{found: false}
		}
		return response{versioned: Versioned{Value: v.value, Clock: v.clock, Timestamp: v.ts}, found: true}

	case opPut:
		return s.handlePutRecovered(req.key, req.value)

	case opGetAll:
		snap := s.engine.snapshot()
		out := make(map[string]Versioned, len(snap))
		for k, v := range snap {
			out[k] = Versioned{Value: v.value, Clock: v.clock, Timestamp: v.ts}
		}
		return response{all: out}

	case opGetMerkle:
		return response{tree: s.merkle}

	default:
		return response{err: fmt.Errorf("replica: unknown op %d", req.op)}
	}
}

// handlePutRecovered guards handlePut with a recover: a panic during the
// write leaves the prior engine and Merkle state untouched (they are only
// ever mutated after the point a panic could occur reaches them) and is
// reported as ErrPutFailed, never as a crashed actor.
func (s *Store) handlePutRecovered(key string, v Versioned) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			resp = response{err: fmt.Errorf("%w: %v", ErrPutFailed, r)}
		}
	}()
	return s.handlePut(key, v)
}

// handlePut applies the injected fault mode, then writes the entry and
// rebuilds the Merkle tree before replying.
func (s *Store) handlePut(key string, v Versioned) response {
	switch s.failMode {
	case AlwaysFail:
		return response{err: ErrPutFailed}
	case Partial:
		if _, fail := s.failNodes[s.node]; fail {
			return response{err: ErrPutFailed}
		}
	}

	e := entry{value: v.Value, clock: v.Clock, ts: v.Timestamp}
	snap := s.engine.snapshot()
	snap[key] = e
	tree := merkle.Build(valuesOnly(snap))
	s.engine.set(key, e)
	s.merkle = tree
	return response{versioned: v}
}

func valuesOnly(snap map[string]entry) map[string][]byte {
	out := make(map[string][]byte, len(snap))
	for k, v := range snap {
		out[k] = v.value
	}
	return out
}

// Get returns the stored Versioned value for key, or ok=false if absent.
func (s *Store) Get(key string) (Versioned, bool) {
	resp := s.call(request{op: opGet, key: key})
	return resp.versioned, resp.found
}

// Put stores v under key unconditionally at the replica level; any
// reconciliation between versions is the coordinator's responsibility, not
// this actor's. The Merkle tree is rebuilt before Put returns.
func (s *Store) Put(key string, v Versioned) error {
	resp := s.call(request{op: opPut, key: key, value: v})
	return resp.err
}

// GetAll returns a full snapshot of the replica's key/value map, for
// anti-entropy full-sync fallback.
func (s *Store) GetAll() map[string]Versioned {
	resp := s.call(request{op: opGetAll})
	return resp.all
}

// GetMerkle returns the replica's current Merkle tree. The returned tree is
// always build(kv_map) as of the most recently completed Put.
func (s *Store) GetMerkle() *merkle.Tree {
	resp := s.call(request{op: opGetMerkle})
	return resp.tree
}

func (s *Store) call(req request) response {
	req.reply = make(chan response, 1)
	s.mailbox <- req
	return <-req.reply
}
