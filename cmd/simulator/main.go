// The simulator seeds a fleet of rides across both regions and drives
// vehicles over the 33.8°N boundary, exercising the full handoff path
// end to end.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/av-fleet/internal/client"
	"github.com/example/av-fleet/internal/config"
	"github.com/example/av-fleet/internal/logging"
	"github.com/example/av-fleet/internal/sim"
)

func main() {
	var (
		vehicles    int
		speedMps    float64
		interval    time.Duration
		coordinator string
		seed        int64
	)
	flag.IntVar(&vehicles, "vehicles", 100, "number of simulated vehicles")
	flag.Float64Var(&speedMps, "speed", 500, "vehicle speed in meters per second")
	flag.DurationVar(&interval, "update-interval", 2*time.Second, "movement tick interval")
	flag.StringVar(&coordinator, "coordinator", "http://localhost:8000", "coordinator base URL")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "rng seed")
	flag.Parse()

	cfg, err := config.LoadCoordinatorConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("simulator", cfg.LogLevel)

	pool := client.NewPool(cfg.Regions, client.RetryPolicy{})
	coord := client.NewCoordinatorClient(coordinator)
	rng := rand.New(rand.NewSource(seed))

	engine := sim.NewEngine(pool, coord, rng, logger, sim.Options{
		Vehicles:       vehicles,
		SpeedMps:       speedMps,
		UpdateInterval: interval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Seed(ctx); err != nil {
		log.Fatalf("seed: %v", err)
	}
	engine.Run(ctx)

	stats := engine.Stats()
	logger.Info("simulation_finished",
		"triggered", stats.HandoffsTriggered,
		"succeeded", stats.HandoffsSucceeded,
		"buffered", stats.HandoffsBuffered,
		"failed", stats.HandoffsFailed)
}
