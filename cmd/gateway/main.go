// Command gateway runs a MeshGate coordination gateway: it terminates
// the HTTP control API, maintains WebSocket links to peer gateways, and
// hosts the orchestrator that routes tasks between agents.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshgate/meshgate/internal/checkpoint"
	"github.com/meshgate/meshgate/internal/common/config"
	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/common/tracing"
	"github.com/meshgate/meshgate/internal/events/bus"
	"github.com/meshgate/meshgate/internal/gateway/api"
	"github.com/meshgate/meshgate/internal/gateway/transport"
	"github.com/meshgate/meshgate/internal/orchestrator"
	"github.com/meshgate/meshgate/internal/roles"
	"github.com/meshgate/meshgate/internal/router"
	"github.com/meshgate/meshgate/internal/security"
	"github.com/meshgate/meshgate/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Logging
	log, err := logger.NewLogger(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	log.Info("starting meshgate gateway",
		zap.String("gateway_id", cfg.Gateway.ID),
		zap.Int("port", cfg.Server.Port),
		zap.Int("peers", len(cfg.Gateway.Peers)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Core components
	rt := router.NewRouter(cfg.Gateway.ID, log)
	for _, peer := range cfg.Gateway.Peers {
		rt.RegisterPeer(peer.GatewayID, peer.URL)
	}

	rm := roles.NewManager(log)
	if cfg.Gateway.RolesFile != "" {
		loaded, err := rm.LoadFile(cfg.Gateway.RolesFile)
		if err != nil {
			return fmt.Errorf("failed to load roles file: %w", err)
		}
		log.Info("loaded role definitions", zap.Int("roles", loaded), zap.String("file", cfg.Gateway.RolesFile))
	}

	wt := tracker.NewTracker(log)
	sm := security.NewManager([]byte(cfg.Gateway.SharedSecret), log)

	// 4. Event bus (in-memory unless NATS is configured)
	var eb bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		eb = natsBus
	} else {
		eb = bus.NewMemoryEventBus(log)
	}
	defer eb.Close()

	// 5. Checkpoint restore
	var store *checkpoint.Store
	if cfg.Checkpoint.Enabled {
		store, err = checkpoint.NewStore(cfg.Checkpoint.Path, log)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		defer store.Close()

		snap, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if snap != nil {
			rm.ImportState(snap.Roles)
			sm.ImportPolicies(snap.Policies)
			log.Info("restored checkpoint", zap.Time("saved_at", snap.SavedAt))
		}
	}

	// 6. Orchestrator and peer transport
	orch := orchestrator.New(rt, rm, wt, sm, eb, orchestrator.Options{
		CleanupInterval: cfg.Gateway.CleanupIntervalDuration(),
		TaskMaxAge:      cfg.Gateway.TaskMaxAgeDuration(),
	}, log)
	orch.Start(ctx)
	defer orch.Stop()

	tr := transport.New(rt, sm, log)
	tr.Start(ctx)
	defer tr.Stop()

	// 7. HTTP server
	if os.Getenv("MESHGATE_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	api.SetupRoutes(engine, orch, eb, log)
	engine.GET("/mesh", tr.HandlePeer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown failed", zap.Error(err))
		}

		// Persist the mesh configuration before exit.
		if store != nil {
			if err := store.Save(shutdownCtx, checkpoint.Snapshot{
				Roles:    rm.ExportState(),
				Policies: sm.ExportPolicies(),
			}); err != nil {
				log.Error("failed to save checkpoint", zap.Error(err))
			}
		}

		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
