package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/av-fleet/internal/config"
	httpapi "github.com/example/av-fleet/internal/http"
	"github.com/example/av-fleet/internal/ingest"
	"github.com/example/av-fleet/internal/logging"
	"github.com/example/av-fleet/internal/participant"
	"github.com/example/av-fleet/internal/storage"
)

func main() {
	cfg, err := config.LoadRegionConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("region-"+cfg.Region, cfg.LogLevel)

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN, filepath.Join("migrations", "001_create_rides.sql")); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			logger.Info("migrations_applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN, cfg.Region)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("no PG_DSN set, rides held in memory only")
		store = storage.NewMemoryStore(cfg.Region)
	}

	var feed participant.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		feed = kp
	}

	svc := participant.New(cfg.Region, store, feed, logger)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.NewRegionServer(svc, logger)}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("region_listening", "region", cfg.Region, "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("region_stopped", "region", cfg.Region)
}
