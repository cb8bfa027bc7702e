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

	"github.com/dreamware/shardalloc/internal/allocation"
	"github.com/dreamware/shardalloc/internal/config"
	"github.com/dreamware/shardalloc/internal/coordinator"
	"github.com/dreamware/shardalloc/internal/routing"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator HTTP control plane",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// serve runs the coordinator until ctx is done
func serve(ctx context.Context, cfg *config.Config) error {
	allocator, err := allocation.New(cfg.Allocation)
	if err != nil {
		return fmt.Errorf("invalid allocation settings: %w", err)
	}
	svc := coordinator.NewClusterService(allocator, nil)
	svc.Start()
	defer svc.Stop()

	monitor := coordinator.NewHealthMonitor(cfg.HealthInterval, cfg.HealthMaxFailures)
	monitor.SetOnUnhealthy(func(nodeID string) {
		if _, err := svc.RemoveNode(ctx, nodeID); err != nil {
			log.WithField("node", nodeID).Warnf("failed to remove unhealthy node: %v", err)
		}
	})
	go monitor.Start(ctx, func() []routing.Node { return svc.State().Nodes() })
	defer monitor.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newServer(svc, monitor).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("coordinator listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Info("coordinator stopped")
	return nil
}
