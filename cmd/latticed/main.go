// Command latticed runs a single lattice node: it loads configuration
// and genesis balances, wires up a Node, and serves until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/latticebft/lattice/internal/config"
	"github.com/latticebft/lattice/internal/genesis"
	"github.com/latticebft/lattice/internal/utils"
	"github.com/latticebft/lattice/node"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to node configuration")
	genesisPath := flag.String("genesis", "genesis.yaml", "path to genesis balances")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		utils.Logger().Fatal().Err(err).Msg("[main] config load failed")
	}

	balances, err := genesis.Load(*genesisPath)
	if err != nil {
		utils.Logger().Fatal().Err(err).Msg("[main] genesis load failed")
	}

	n, err := node.New(cfg, balances)
	if err != nil {
		utils.Logger().Fatal().Err(err).Msg("[main] node init failed")
	}

	stopWatch, err := config.WatchLiveness(*configPath, func(reloaded *config.Config) {
		n.ApplyLiveConfig(reloaded)
	})
	if err != nil {
		utils.Logger().Warn().Err(err).Msg("[main] config watch unavailable, continuing without hot reload")
	} else {
		defer stopWatch()
	}

	ctx, cancel := signalContext()
	defer cancel()

	utils.Logger().Info().Str("node_id", cfg.NodeID).Uint32("shard_id", cfg.ShardID).Msg("[main] starting node")
	if err := n.Start(ctx); err != nil {
		utils.Logger().Fatal().Err(err).Msg("[main] node stopped with error")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
