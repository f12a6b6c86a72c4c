// Command dkvctl boots a fresh in-process cluster from the given
// configuration, runs exactly one operation against it, prints the
// result, and exits. It exists to exercise the coordinator, hint queue
// and synchronizer from the command line without a network front end
// (explicitly out of scope for this core) — each invocation is its own
// isolated cluster, not a client of a long-running dkvnode process.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/huangiris17/distributed-kv-store/internal/cluster"
	"github.com/huangiris17/distributed-kv-store/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "dkvctl",
	Short: "run one put/get/sync/hints operation against a fresh in-process cluster",
}

func init() {
	config.RegisterFlags(rootCmd)
	cobra.OnInitialize(config.InitEnv)

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(hintsCmd)
}

func bootCluster(cmd *cobra.Command) (*cluster.Cluster, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}
	return cluster.InitializeNodes(cfg)
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "coordinate a quorum write for key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := bootCluster(cmd)
		if err != nil {
			return err
		}
		defer c.Stop()

		if err := c.Coordinator.Put(context.Background(), c.Ring(), args[0], []byte(args[1]), nil); err != nil {
			return err
		}
		fmt.Println("put ok")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "coordinate a quorum read for key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := bootCluster(cmd)
		if err != nil {
			return err
		}
		defer c.Stop()

		v, err := c.Coordinator.Get(context.Background(), c.Ring(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(v))
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [node]",
	Short: "run one anti-entropy pass for node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := bootCluster(cmd)
		if err != nil {
			return err
		}
		defer c.Stop()

		if err := c.SynchronizeNode(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("sync ok")
		return nil
	},
}

var hintsCmd = &cobra.Command{
	Use:   "hints [node]",
	Short: "print the number of pending hints queued for node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := bootCluster(cmd)
		if err != nil {
			return err
		}
		defer c.Stop()

		fmt.Println(len(c.Hints().HintsFor(args[0])))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
