// Package cluster wires together one in-process instance of every
// component this system needs — replica stores, a hash ring, a
// coordinator, a hint queue, a gossip task per node, and an anti-entropy
// synchronizer — into a single runnable unit. It is the Go-native home for
// the initialize_nodes bootstrap operation, and the foundation
// cmd/dkvnode starts from.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/huangiris17/distributed-kv-store/internal/antientropy"
	"github.com/huangiris17/distributed-kv-store/internal/config"
	"github.com/huangiris17/distributed-kv-store/internal/coordinator"
	"github.com/huangiris17/distributed-kv-store/internal/gossip"
	"github.com/huangiris17/distributed-kv-store/internal/handoff"
	"github.com/huangiris17/distributed-kv-store/internal/logging"
	"github.com/huangiris17/distributed-kv-store/internal/replica"
	"github.com/huangiris17/distributed-kv-store/internal/ring"
	"github.com/huangiris17/distributed-kv-store/internal/telemetry"
	"github.com/huangiris17/distributed-kv-store/internal/transport"
)

// Cluster is a running, in-process instance of every node named in a
// ClusterConfig: one replica.Store, one gossip.Task, and a shared
// coordinator/hint-queue/synchronizer over all of them.
type Cluster struct {
	cfg           *config.ClusterConfig
	ring          *ring.Ring
	stores        map[string]*replica.Store
	tasks         map[string]*gossip.Task
	netTransports map[string]*gossip.MemberlistTransport
	transport     *transport.InProcess
	hints         *handoff.Queue
	Coordinator   *coordinator.Coordinator
	sync          *antientropy.Synchronizer
	registry      *gossip.Registry
	log           logging.Logger
	metrics       *telemetry.Handle

	cancel context.CancelFunc
}

// InitializeNodes starts one Replica Store per node and a Gossip task per
// node with a seeded all-alive view, and wires a shared Coordinator, hint
// Queue and anti-entropy Synchronizer over the result.
func InitializeNodes(cfg *config.ClusterConfig) (*Cluster, error) {
	failMode, err := config.FailModeFor(cfg.NodeFailMode)
	if err != nil {
		return nil, err
	}

	log := logging.New("cluster", logging.ParseLevel(cfg.LogLevel))
	metrics := telemetry.New()

	failNodes := make(map[string]struct{}, len(cfg.FailNodes))
	for _, n := range cfg.FailNodes {
		failNodes[n] = struct{}{}
	}

	stores := make(map[string]*replica.Store, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		stores[n] = replica.NewStore(n, failMode, failNodes)
	}

	tr := transport.NewInProcess(stores)
	hints := handoff.NewQueue(tr, log, metrics)

	r := ring.Build(cfg.Nodes, cfg.TokensPerNode)

	coordCfg := coordinator.Config{
		ReplicationFactor: cfg.ReplicationFactor,
		WriteQuorum:       cfg.WriteQuorum,
		Deadline:          5 * time.Second,
	}
	coord := coordinator.New(coordCfg, tr, hints, nowMS, log, metrics)

	syncCfg := antientropy.Config{
		SyncInterval:       time.Duration(cfg.SyncIntervalMS) * time.Millisecond,
		ReplicationFactor:  cfg.ReplicationFactor,
		MerkleFetchTimeout: 5 * time.Second,
	}
	synchronizer := antientropy.NewSynchronizer(syncCfg, tr, log, metrics)

	seedView := gossip.View{}
	now := nowMS()
	for _, n := range cfg.Nodes {
		seedView[n] = gossip.Record{Status: gossip.Alive, LastHeard: now}
	}

	gossipCfg := gossip.Config{
		RoundInterval:    time.Duration(cfg.GossipIntervalMS) * time.Millisecond,
		AcceptWindow:     100 * time.Millisecond,
		FailureThreshold: time.Duration(cfg.FailureThresholdMS) * time.Millisecond,
	}

	var registry *gossip.Registry
	var netTransports map[string]*gossip.MemberlistTransport
	tasks := make(map[string]*gossip.Task, len(cfg.Nodes))

	if cfg.NetworkGossip {
		netTransports = make(map[string]*gossip.MemberlistTransport, len(cfg.Nodes))
		var seeds []string
		for i, n := range cfg.Nodes {
			port := cfg.GossipBasePort + i
			t, err := gossip.NewMemberlistTransport(n, cfg.GossipBindAddr, port, seeds, log)
			if err != nil {
				return nil, fmt.Errorf("cluster: starting memberlist agent for %s: %w", n, err)
			}
			netTransports[n] = t
			seeds = append(seeds, fmt.Sprintf("%s:%d", cfg.GossipBindAddr, port))
		}
		for _, n := range cfg.Nodes {
			node := n
			onRecovered := func(recoveredNode string) {
				hints.RetryAll(context.Background(), nowMS, 5*time.Second)
				log.Infof("node %s triggered hint replay for recovered node %s", node, recoveredNode)
			}
			task := gossip.NewTask(n, gossipCfg, nil, netTransports[n], nowMS, onRecovered, log, metrics, seedView.Clone())
			netTransports[n].SetLocalBindings(task.View, task.PushGossip)
			tasks[n] = task
		}
	} else {
		registry = gossip.NewRegistry()
		for _, n := range cfg.Nodes {
			node := n
			onRecovered := func(recoveredNode string) {
				hints.RetryAll(context.Background(), nowMS, 5*time.Second)
				log.Infof("node %s triggered hint replay for recovered node %s", node, recoveredNode)
			}
			tasks[n] = gossip.NewTask(n, gossipCfg, registry, registry, nowMS, onRecovered, log, metrics, seedView.Clone())
		}
	}

	return &Cluster{
		cfg:           cfg,
		ring:          r,
		stores:        stores,
		tasks:         tasks,
		netTransports: netTransports,
		transport:     tr,
		hints:         hints,
		Coordinator:   coord,
		sync:          synchronizer,
		registry:      registry,
		log:           log,
		metrics:       metrics,
	}, nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Ring returns the cluster's consistent-hashing ring.
func (c *Cluster) Ring() *ring.Ring { return c.ring }

// Hints returns the cluster's shared hinted-handoff queue.
func (c *Cluster) Hints() *handoff.Queue { return c.hints }

// Metrics returns the cluster's telemetry handle, for a /metrics front end.
func (c *Cluster) Metrics() *telemetry.Handle { return c.metrics }

// Start begins every node's gossip round loop and the anti-entropy
// synchronizer's periodic pass. Call Stop to shut everything down.
func (c *Cluster) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, t := range c.tasks {
		t.Start()
	}
	go c.sync.Run(runCtx, c.Ring)
}

// Stop halts every gossip task, the synchronizer loop, and closes every
// replica store's mailbox. It is safe to call on a cluster that was never
// started.
func (c *Cluster) Stop() {
	if c.cancel != nil {
		c.cancel()
		for _, t := range c.tasks {
			t.Stop()
		}
	}
	for _, nt := range c.netTransports {
		nt.Shutdown()
	}
	for _, s := range c.stores {
		s.Close()
	}
}

// SynchronizeNode runs one anti-entropy pass for node synchronously, for
// direct node-to-node reconciliation in tests.
func (c *Cluster) SynchronizeNode(ctx context.Context, node string) error {
	return c.sync.SynchronizeNode(ctx, c.ring, node)
}
