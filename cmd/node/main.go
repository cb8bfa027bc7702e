// Package main implements the node agent: the process that represents one
// storage node to the shardalloc coordinator.
//
// The agent never decides where copies go. It:
//   - Registers the node with its id, public address and attributes
//   - Answers the coordinator's health probes
//   - Polls the routing table for copies placed on this node
//   - Reports copies it finished recovering, or failed to
//
// Architecture:
//
//	┌────────────────────────────────────────┐
//	│                Node agent              │
//	├────────────────────────────────────────┤
//	│  HTTP API:                             │
//	│    /health   - Health check            │
//	│    /copies   - Copies hosted here      │
//	├────────────────────────────────────────┤
//	│  Coordinator link:                     │
//	│    POST /register         (startup)    │
//	│    GET  /routing?node=    (every poll) │
//	│    POST /shards/started   (recovered)  │
//	│    POST /shards/failed    (failed)     │
//	└────────────────────────────────────────┘
//
// Example usage:
//
//	node --node_id node-1 --node_addr http://10.0.0.5:8081 \
//	  --coordinator_url http://10.0.0.1:8080 --attributes zone=a,rack=r1
//
// Every flag can also be set in node.yaml or as SHARDALLOC_* environment
// variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/shardalloc/internal/config"
	"github.com/dreamware/shardalloc/internal/logging"
)

const shutdownTimeout = 5 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "node",
	Short:        "Node agent for the shardalloc coordinator",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadNodeConfig(cfgFile, cmd)
		if err != nil {
			return fmt.Errorf("error loading configuration: %w", err)
		}
		logging.InitLogger(cfg.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, NewAgent(cfg), cfg.Listen)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./node.yaml)")
	flags.String("log_level", "info", "log level: trace, debug, info, warn or error")
	flags.String("listen", ":8081", "local listen address")
	flags.String("node_id", "", "unique id of this node")
	flags.String("node_addr", "", "public address the coordinator probes")
	flags.String("coordinator_url", "http://127.0.0.1:8080", "coordinator base URL")
	flags.StringToString("attributes", nil, "node attributes, e.g. zone=a,rack=r1")
	flags.Duration("poll_interval", 2*time.Second, "how often the routing table is polled")
}

// run serves the agent's HTTP API, registers and syncs until ctx ends
func run(ctx context.Context, agent *Agent, listen string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           agent.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"node": agent.cfg.NodeID, "public": agent.cfg.NodeAddr}).Infof("node listening on %s", listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("server shutdown error: %v", err)
		}
		log.Info("node stopped")
	}()

	if err := agent.Register(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
