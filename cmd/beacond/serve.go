package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon/internal/archive"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/events"
	"github.com/beaconhq/beacon/internal/lifecycle"
	"github.com/beaconhq/beacon/internal/lookup"
	"github.com/beaconhq/beacon/internal/materialize"
	"github.com/beaconhq/beacon/internal/recorder"
	"github.com/beaconhq/beacon/internal/server"
	"github.com/beaconhq/beacon/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the beacon server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		// Load configuration.
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Connect to Postgres (the materialized log).
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}

		// Create the log-sink publisher.
		var publisher events.Publisher
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				store.Close()
				return err
			}
			publisher = pub
			logger.Info("log sink enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &events.NoopPublisher{}
			logger.Info("log sink disabled (BEACON_NATS_URL not set)")
		}

		// Create the point-lookup sink.
		var cache lookup.Cache = lookup.Noop{}
		if cfg.RedisAddr != "" {
			rc, err := lookup.NewRedis(context.Background(), cfg.RedisAddr)
			if err != nil {
				publisher.Close()
				store.Close()
				return err
			}
			cache = rc
			logger.Info("point-lookup sink enabled", "redis_addr", cfg.RedisAddr)
		} else {
			logger.Info("point-lookup sink disabled (BEACON_REDIS_ADDR not set)")
		}

		// Create server components.
		rec := recorder.New(publisher, cache, store)
		insights := lifecycle.NewService(store)
		srv := server.New(store, rec, insights, cache, logger)

		// Start the materializer when the log sink is live.
		var materializeCancel context.CancelFunc
		if cfg.NATSURL != "" {
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				logger.Error("failed to create materializer subscriber", "err", err)
			} else {
				mat := materialize.New(store, cache, logger)
				var matCtx context.Context
				matCtx, materializeCancel = context.WithCancel(context.Background())
				go func() {
					if err := mat.Run(matCtx, sub); err != nil && matCtx.Err() == nil {
						logger.Error("materializer error", "err", err)
					}
					sub.Close()
				}()
				logger.Info("materializer started")
			}
		}

		// Start HTTP server.
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(cfg.AuthToken),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Start the archive scheduler when a destination is configured.
		var scheduler *archive.Scheduler
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			dest, err := archive.NewS3Destination(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Prefix,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				scheduler = archive.NewScheduler(store, []archive.Destination{dest}, cfg.ArchiveInterval, logger)
				scheduler.Start()
				logger.Info("archive scheduler started", "interval", cfg.ArchiveInterval, "bucket", cfg.ArchiveS3Bucket)
			}
		}

		logger.Info("beacon server started", "http_addr", cfg.HTTPAddr)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown.
		if materializeCancel != nil {
			materializeCancel()
			logger.Info("materializer stopped")
		}

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := cache.Close(); err != nil {
			logger.Error("error closing point-lookup sink", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
