// Package config loads a cluster's runtime configuration with
// spf13/viper bound to spf13/cobra
// persistent flags, DKV_-prefixed environment variable overrides, and
// .env/.env.local loading via joho/godotenv.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huangiris17/distributed-kv-store/internal/replica"
)

// ClusterConfig is the full set of knobs a single in-process cluster needs
// to start: replication, timing, fault injection and logging.
type ClusterConfig struct {
	ReplicationFactor  int
	WriteQuorum        int
	TokensPerNode      int
	SyncIntervalMS     int64
	GossipIntervalMS   int64
	FailureThresholdMS int64
	NodeFailMode       string
	FailNodes          []string
	LogLevel           string
	Nodes              []string
	NetworkGossip      bool
	GossipBindAddr     string
	GossipBasePort     int
}

// RegisterFlags adds this package's persistent flags to cmd, with the
// spec's defaults. Call once per cobra.Command during init().
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Int("replication-factor", 3, "number of replicas per key")
	cmd.PersistentFlags().Int("write-quorum", 2, "number of replica acks required for a successful put")
	cmd.PersistentFlags().Int("tokens-per-node", 10, "virtual nodes per physical node on the hash ring")
	cmd.PersistentFlags().Int64("sync-interval-ms", 60000, "anti-entropy pass interval, in milliseconds")
	cmd.PersistentFlags().Int64("gossip-interval-ms", 1000, "gossip round interval, in milliseconds")
	cmd.PersistentFlags().Int64("failure-threshold-ms", 3000, "silence duration after which a node is marked failed")
	cmd.PersistentFlags().String("node-fail-mode", "always_succeed", "fault injection mode: always_succeed, always_fail, partial")
	cmd.PersistentFlags().String("fail-nodes", "", "comma-separated node ids that reject puts when node-fail-mode=partial")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().String("nodes", "", "comma-separated list of node ids to start")
	cmd.PersistentFlags().Bool("network-gossip", false, "gossip over a real hashicorp/memberlist cluster instead of in-process channels")
	cmd.PersistentFlags().String("gossip-bind-addr", "127.0.0.1", "bind address for each node's memberlist agent, used when network-gossip is set")
	cmd.PersistentFlags().Int("gossip-base-port", 7946, "first memberlist bind port; node i binds to base+i, used when network-gossip is set")
}

// InitEnv wires viper to read DKV_-prefixed environment variables and load
// .env/.env.local, the same way a cobra-based CLI conventionally does. Pass this to
// cobra.OnInitialize from the owning command's init().
func InitEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Load binds cmd's flags to viper and assembles a ClusterConfig, validating
// the fields that have cross-field constraints (write quorum cannot exceed
// the replication factor; at least one node id must be given).
func Load(cmd *cobra.Command) (*ClusterConfig, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg := &ClusterConfig{
		ReplicationFactor:  viper.GetInt("replication-factor"),
		WriteQuorum:        viper.GetInt("write-quorum"),
		TokensPerNode:      viper.GetInt("tokens-per-node"),
		SyncIntervalMS:     viper.GetInt64("sync-interval-ms"),
		GossipIntervalMS:   viper.GetInt64("gossip-interval-ms"),
		FailureThresholdMS: viper.GetInt64("failure-threshold-ms"),
		NodeFailMode:       viper.GetString("node-fail-mode"),
		LogLevel:           viper.GetString("log-level"),
		NetworkGossip:      viper.GetBool("network-gossip"),
		GossipBindAddr:     viper.GetString("gossip-bind-addr"),
		GossipBasePort:     viper.GetInt("gossip-base-port"),
	}

	nodesRaw := viper.GetString("nodes")
	if nodesRaw == "" {
		return nil, fmt.Errorf("config: at least one node id is required (--nodes)")
	}
	for _, n := range strings.Split(nodesRaw, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			cfg.Nodes = append(cfg.Nodes, n)
		}
	}

	for _, n := range strings.Split(viper.GetString("fail-nodes"), ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			cfg.FailNodes = append(cfg.FailNodes, n)
		}
	}

	if cfg.WriteQuorum > cfg.ReplicationFactor {
		return nil, fmt.Errorf("config: write-quorum (%d) cannot exceed replication-factor (%d)", cfg.WriteQuorum, cfg.ReplicationFactor)
	}
	if cfg.WriteQuorum <= 0 || cfg.ReplicationFactor <= 0 {
		return nil, fmt.Errorf("config: replication-factor and write-quorum must be positive")
	}

	return cfg, nil
}

// FailModeFor resolves the configured fail-mode string into a
// replica.FailMode, the test-injection switch read at replica-put time.
func FailModeFor(s string) (replica.FailMode, error) {
	switch s {
	case "", "always_succeed":
		return replica.AlwaysSucceed, nil
	case "always_fail":
		return replica.AlwaysFail, nil
	case "partial":
		return replica.Partial, nil
	default:
		return replica.AlwaysSucceed, fmt.Errorf("config: unknown node-fail-mode %q", s)
	}
}
