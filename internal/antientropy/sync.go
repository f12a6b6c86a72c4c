// Package antientropy implements the periodic Merkle-driven reconciliation
// pass that repairs replica divergence out of band from the read/write
// path: for every pair of replicas that jointly own some range of the
// ring, diff their Merkle trees and copy over whatever one side is
// missing. It never decides which version is "right" — that is the
// coordinator's read-path job — it only makes sure every replica
// eventually sees every write.
package antientropy

import (
	"context"
	"fmt"
	"time"

	"github.com/huangiris17/distributed-kv-store/internal/logging"
	"github.com/huangiris17/distributed-kv-store/internal/merkle"
	"github.com/huangiris17/distributed-kv-store/internal/ring"
	"github.com/huangiris17/distributed-kv-store/internal/telemetry"
	"github.com/huangiris17/distributed-kv-store/internal/transport"
)

// Config holds the synchronizer's timing.
type Config struct {
	SyncInterval       time.Duration // I
	ReplicationFactor  int
	MerkleFetchTimeout time.Duration // full-sync fallback trigger
}

// DefaultConfig uses the default timing: a 60s sync interval, 5s fetch timeout. RF is
// supplied by the caller since it is shared with the coordinator.
func DefaultConfig(replicationFactor int) Config {
	return Config{
		SyncInterval:       60 * time.Second,
		ReplicationFactor:  replicationFactor,
		MerkleFetchTimeout: 5 * time.Second,
	}
}

// Synchronizer is a single long-lived task, grounded on the same
// single-purpose background-loop shape the coordinator and gossip task
// use: a Run(ctx) loop for production, plus a synchronous Sync()/
// SynchronizeNode() entry point that tests call directly.
type Synchronizer struct {
	cfg       Config
	transport transport.ReplicaTransport
	log       logging.Logger
	metrics   *telemetry.Handle
}

// NewSynchronizer constructs a Synchronizer over the given transport.
func NewSynchronizer(cfg Config, t transport.ReplicaTransport, log logging.Logger, metrics *telemetry.Handle) *Synchronizer {
	return &Synchronizer{cfg: cfg, transport: t, log: log, metrics: metrics}
}

// Run executes Sync on every tick of cfg.SyncInterval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context, r func() *ring.Ring) {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(ctx, r())
		}
	}
}

// Sync runs one full reconciliation pass over every node on the ring.
func (s *Synchronizer) Sync(ctx context.Context, r *ring.Ring) {
	for node := range ring.Nodes(r) {
		if err := s.SynchronizeNode(ctx, r, node); err != nil {
			s.log.Warnf("anti-entropy pass for %s failed: %v", node, err)
		}
	}
}

// SynchronizeNode reconciles node against every distinct replica that
// shares ownership of a token range with it:
// for each owned token, find the preference list starting there, and
// treat every other node in it as a reconciliation partner.
func (s *Synchronizer) SynchronizeNode(ctx context.Context, r *ring.Ring, node string) error {
	partners := s.partnersOf(r, node)
	for _, partner := range partners {
		if err := s.reconcilePair(ctx, node, partner); err != nil {
			return fmt.Errorf("reconciling %s against %s: %w", node, partner, err)
		}
	}
	return nil
}

// partnersOf returns the distinct set of nodes that co-replicate at least
// one token range owned by node.
func (s *Synchronizer) partnersOf(r *ring.Ring, node string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, hash := range ring.OwnedTokenHashes(r, node) {
		for _, peer := range ring.PreferenceListFromHash(r, hash, s.cfg.ReplicationFactor) {
			if peer == node {
				continue
			}
			if _, dup := seen[peer]; dup {
				continue
			}
			seen[peer] = struct{}{}
			out = append(out, peer)
		}
	}
	return out
}

// reconcilePair brings dst up to date with whatever src has that dst
// lacks or disagrees with.
func (s *Synchronizer) reconcilePair(ctx context.Context, src, dst string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.MerkleFetchTimeout)
	defer cancel()

	srcTree, srcErr := s.transport.GetMerkle(fetchCtx, src)
	dstTree, dstErr := s.transport.GetMerkle(fetchCtx, dst)

	if srcErr != nil || dstErr != nil {
		s.metrics.Counter("antientropy_full_sync_total").Inc()
		return s.fullSync(ctx, src, dst)
	}

	diff := merkle.Diff(srcTree, dstTree)
	s.metrics.Histogram("antientropy_diff_size").Update(float64(len(diff)))
	if len(diff) == 0 {
		return nil
	}

	for _, entry := range diff {
		v, ok, err := s.transport.Get(ctx, src, entry.Key)
		if err != nil {
			return fmt.Errorf("fetching %s from %s: %w", entry.Key, src, err)
		}
		if !ok {
			continue
		}
		if err := s.transport.Put(ctx, dst, entry.Key, v); err != nil {
			return fmt.Errorf("repairing %s on %s: %w", entry.Key, dst, err)
		}
	}
	return nil
}

// fullSync streams every entry src holds into dst. Used when either side's
// Merkle tree could not be fetched within the configured timeout.
func (s *Synchronizer) fullSync(ctx context.Context, src, dst string) error {
	all, err := s.transport.GetAll(ctx, src)
	if err != nil {
		return fmt.Errorf("full sync: reading %s: %w", src, err)
	}
	for key, v := range all {
		if err := s.transport.Put(ctx, dst, key, v); err != nil {
			return fmt.Errorf("full sync: writing %s to %s: %w", key, dst, err)
		}
	}
	return nil
}
