package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/config"
	"github.com/draftea/coordination-engine/coordinator-service/handlers"
	"github.com/draftea/coordination-engine/shared/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// commandTopics are the inbound commands this service consumes
const commandTopics = "saga.*.requested"

func main() {
	// Load configuration
	cfg, err := config.ReadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Logger.WithError(err).Error("error closing dependencies")
		}
	}()

	logger := deps.Logger
	logger.WithField("port", cfg.Port).Info("starting coordinator")

	if deps.Telemetry != nil {
		ctx = telemetry.WithTelemetry(ctx, deps.Telemetry)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: setupRouter(deps),
	}

	g, ctx := errgroup.WithContext(ctx)

	if deps.MemoryBus != nil {
		g.Go(func() error { return deps.MemoryBus.Run(ctx) })
	}
	if err := deps.EventSubscriber.Subscribe(ctx, commandTopics, deps.Inbox.EventHandler()); err != nil {
		logger.WithError(err).Fatal("failed to subscribe to commands")
	}

	g.Go(func() error { return deps.Orchestrator.Run(ctx) })
	g.Go(func() error { return deps.Coordinator.Run(ctx) })
	g.Go(func() error { return deps.Outbox.Run(ctx) })
	g.Go(func() error {
		purgeOutbox(ctx, deps, cfg.Outbox.Retention, logger)
		return nil
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down coordinator")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("coordinator stopped with error")
		return
	}
	logger.Info("coordinator stopped")
}

// purgeOutbox deletes relayed messages older than retention once an hour
func purgeOutbox(ctx context.Context, deps *config.Dependencies, retention time.Duration, logger *logrus.Entry) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := deps.Outbox.PurgePublished(ctx, time.Now().Add(-retention)); err != nil {
				logger.WithError(err).Warn("outbox purge failed")
			}
		}
	}
}

func setupRouter(deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// Telemetry middleware (inject telemetry into context)
	if deps.Telemetry != nil {
		r.Use(telemetry.Middleware(deps.Telemetry))
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics endpoint for Prometheus
	r.Handle("/metrics", handlers.NewMetricsHandler())

	deps.CoordinatorHandlers.RegisterRoutes(r)

	return r
}

