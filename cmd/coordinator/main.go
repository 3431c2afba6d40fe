package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/example/av-fleet/internal/client"
	"github.com/example/av-fleet/internal/config"
	"github.com/example/av-fleet/internal/coordinator"
	"github.com/example/av-fleet/internal/events"
	httpapi "github.com/example/av-fleet/internal/http"
	"github.com/example/av-fleet/internal/logging"
	"github.com/example/av-fleet/internal/monitor"
	"github.com/example/av-fleet/internal/replica"
	"github.com/example/av-fleet/internal/router"
	"github.com/example/av-fleet/internal/storage"
)

func main() {
	cfg, err := config.LoadCoordinatorConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("coordinator", cfg.LogLevel)

	regions := make([]string, 0, len(cfg.Regions))
	for r := range cfg.Regions {
		regions = append(regions, r)
	}

	pool := client.NewPool(cfg.Regions, client.RetryPolicy{Base: cfg.RetryBase, Cap: cfg.RetryCap, Max: cfg.RetryMax})

	var txlog storage.TxLog
	if cfg.TxLogDSN != "" {
		if err := storage.Migrate(cfg.TxLogDSN, filepath.Join("migrations", "002_create_transactions.sql")); err != nil {
			log.Fatalf("migrate txlog: %v", err)
		}
		pl, err := storage.NewPostgresTxLog(cfg.TxLogDSN)
		if err != nil {
			log.Fatalf("txlog: %v", err)
		}
		defer pl.Close()
		txlog = pl
	} else {
		logger.Warn("no TXLOG_DSN set, transaction log held in memory only; in-flight handoffs will not survive a restart")
		txlog = storage.NewMemoryTxLog()
	}

	var buffer coordinator.Buffer
	if cfg.RedisAddr != "" {
		rb := coordinator.NewRedisBuffer(cfg.RedisAddr, cfg.RedisPassword, cfg.BufferMaxPerRegion)
		defer rb.Close()
		buffer = rb
	} else {
		logger.Warn("no REDIS_ADDR set, handoff buffer is ephemeral; buffered entries are lost on restart")
		buffer = coordinator.NewMemoryBuffer(cfg.BufferMaxPerRegion)
	}

	var rep router.ReplicaSource
	if cfg.GlobalReplicaDSN != "" {
		pr, err := replica.NewPostgresReplica(cfg.GlobalReplicaDSN)
		if err != nil {
			log.Fatalf("replica: %v", err)
		}
		defer pr.Close()
		rep = pr
	}

	mon := monitor.New(regions, pool, monitor.Options{
		Interval:         cfg.MonitorInterval,
		Timeout:          cfg.MonitorTimeout,
		FailureThreshold: cfg.MonitorFailureThreshold,
	}, logger)

	hub := events.NewHub(logger)
	coord := coordinator.New(regions, pool, txlog, buffer, mon, hub, logger, coordinator.Options{
		PrepareTimeout: cfg.PrepareTimeout,
		CommitTimeout:  cfg.CommitTimeout,
		OverallTimeout: cfg.OverallTimeout,
	})
	rt := router.New(regions, pool, rep, logger, router.Options{
		CallTimeout:   cfg.SearchCallTimeout,
		GlobalTimeout: cfg.SearchGlobalTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon.Start(ctx)
	defer mon.Stop()
	go coord.RunDrainer(ctx, mon.Subscribe())
	go coord.RunRecoveryLoop(ctx, cfg.RecoveryInterval)
	go forwardHealthEvents(ctx, mon.Subscribe(), hub)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewCoordinatorServer(coord, rt, mon, hub, pool, regions, logger),
	}
	go func() {
		logger.Info("coordinator_listening", "addr", cfg.HTTPAddr, "regions", strings.Join(regions, ","))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("coordinator_stopped")
}

func forwardHealthEvents(ctx context.Context, transitions <-chan monitor.Event, hub *events.Hub) {
	for {
		select {
		case ev, ok := <-transitions:
			if !ok {
				return
			}
			hub.Emit("health", ev)
		case <-ctx.Done():
			return
		}
	}
}
