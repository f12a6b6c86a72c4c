// Command dkvnode boots an in-process cluster simulation: one replica
// store and one gossip task per configured node, inside a single OS
// process, and runs until interrupted. There is no network front end —
// front-ends are explicitly out of scope for this core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/huangiris17/distributed-kv-store/internal/cluster"
	"github.com/huangiris17/distributed-kv-store/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "dkvnode",
	Short: "run an in-process distributed key-value cluster simulation",
	RunE:  run,
}

func init() {
	config.RegisterFlags(rootCmd)
	cobra.OnInitialize(config.InitEnv)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	c, err := cluster.InitializeNodes(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)
	fmt.Printf("dkvnode: %d nodes running (R=%d W=%d), Ctrl-C to stop\n", len(cfg.Nodes), cfg.ReplicationFactor, cfg.WriteQuorum)

	<-ctx.Done()
	fmt.Println("dkvnode: shutting down")
	c.Stop()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
