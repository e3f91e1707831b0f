// Command gateway runs the real-time collaboration gateway: it
// terminates client WebSocket connections, authenticates them against a
// bearer token, and multiplexes them onto per-workspace pipelines.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/config"
	"github.com/workspace/collab-gateway/internal/frontend"
	"github.com/workspace/collab-gateway/internal/logging"
	"github.com/workspace/collab-gateway/internal/pipeline"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	validator, err := authtoken.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
	if err != nil {
		log.Fatalf("failed to create token validator: %v", err)
	}
	defer validator.Close()

	// The pipeline is an out-of-scope domain engine; the stub factory
	// stands in for it until a real implementation is wired via
	// PIPELINE_FACTORY-style composition at the call site.
	factory := pipeline.NewStubFactory()

	srv, err := frontend.New(cfg, validator, factory)
	if err != nil {
		log.Fatalf("failed to create gateway server: %v", err)
	}

	rollCtx, rollCancel := context.WithCancel(context.Background())
	defer rollCancel()
	go srv.RollStatistics(rollCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	reboot := false
	select {
	case err := <-errCh:
		log.Fatalf("gateway server error: %v", err)
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case <-srv.RebootRequested():
		slog.Info("admin reboot requested")
		reboot = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}

	// Exit code 0 covers both graceful shutdown and admin reboot; reboot
	// is called out explicitly since a supervisor is expected to restart
	// the process on this exit, per spec.md §6.
	if reboot {
		slog.Info("gateway rebooting")
		os.Exit(0)
	}

	slog.Info("gateway stopped")
}
