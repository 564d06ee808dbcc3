// Package main is the entry point for the itinerary sync daemon: it tails
// the live patch stream for one itinerary and exposes health and metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tripforge/itinerary-engine/internal/auth"
	"github.com/tripforge/itinerary-engine/internal/config"
	"github.com/tripforge/itinerary-engine/internal/engine"
	"github.com/tripforge/itinerary-engine/pkg/logger"
	"github.com/tripforge/itinerary-engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting sync daemon")

	if cfg.ItineraryID == "" {
		log.Error("ITINERARY_ID is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "itinerary-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Build the engine with the env-provided token
	eng := engine.New(engine.Options{
		BaseURL:  cfg.ServiceBaseURL,
		Tokens:   auth.NewStaticTokenSource(cfg.AuthToken, nil),
		Timeout:  cfg.RequestTimeout,
		Debounce: cfg.DebounceInterval,
		Logger:   log,
		OnQueueStalled: func(itineraryID string, failures int) {
			log.Error("sync queue stalled",
				zap.String("itinerary_id", itineraryID),
				zap.Int("consecutive_failures", failures),
			)
		},
	})

	// Verify the itinerary is reachable before tailing
	session := eng.Session(cfg.ItineraryID)
	if it, err := session.Fetch(ctx); err != nil {
		log.Warn("initial itinerary fetch failed", zap.Error(err))
	} else {
		log.Info("itinerary loaded",
			zap.String("itinerary_id", it.ID),
			zap.Int64("version", it.Version),
			zap.Int("days", len(it.Days)),
		)
	}

	// Tail the live patch stream
	patches := eng.Patches(ctx, cfg.ItineraryID, cfg.ExecutionID)
	go func() {
		for patch := range patches {
			log.Info("patch received",
				zap.Int64("from_version", patch.FromVersion),
				zap.Int64("to_version", patch.ToVersion),
				zap.String("summary", patch.Summary),
			)
		}
	}()

	// Ops router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if session.Version() == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "itinerary not loaded")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.OpsPort,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("ops server listening", zap.String("port", cfg.OpsPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server forced to shutdown", zap.Error(err))
	}

	log.Info("stopped")
}
