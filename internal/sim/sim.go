// Package sim moves a fleet of autonomous vehicles between Phoenix and
// Los Angeles and triggers a handoff whenever one crosses the regional
// boundary at 33.8°N.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/av-fleet/internal/geo"
	"github.com/example/av-fleet/internal/models"
)

const (
	BoundaryLat = 33.8

	RegionPhoenix = "Phoenix"
	RegionLA      = "Los Angeles"
)

var (
	phoenixCenter = models.Location{Lat: 33.4484, Lon: -112.0740}
	laCenter      = models.Location{Lat: 34.0522, Lon: -118.2437}
)

// Vehicle is one simulated AV with an in-progress ride attached.
type Vehicle struct {
	ID     string
	RideID string
	Region string

	Pos  models.Location
	Dst  models.Location
	Fare float64

	HandoffTriggered bool
}

// Move advances the vehicle by speedMps over dt and reports whether it
// crossed the regional boundary on this step. The crossing fires once
// per trip.
func (v *Vehicle) Move(dt time.Duration, speedMps float64) bool {
	oldLat := v.Pos.Lat
	dist := speedMps * dt.Seconds()
	v.Pos.Lat, v.Pos.Lon = geo.Step(v.Pos.Lat, v.Pos.Lon, v.Dst.Lat, v.Dst.Lon, dist)

	if v.HandoffTriggered {
		return false
	}
	switch v.Region {
	case RegionPhoenix:
		if oldLat < BoundaryLat && v.Pos.Lat >= BoundaryLat {
			v.HandoffTriggered = true
			return true
		}
	case RegionLA:
		if oldLat > BoundaryLat && v.Pos.Lat <= BoundaryLat {
			v.HandoffTriggered = true
			return true
		}
	}
	return false
}

func (v *Vehicle) counterpart() string {
	if v.Region == RegionPhoenix {
		return RegionLA
	}
	return RegionPhoenix
}

// RideCreator inserts a ride into a region; the participant pool
// implements it.
type RideCreator interface {
	CreateRide(ctx context.Context, region string, ride *models.Ride) error
}

// HandoffTrigger submits a handoff; the coordinator client implements it.
type HandoffTrigger interface {
	Handoff(ctx context.Context, req models.HandoffRequest) (models.HandoffResponse, error)
}

type Options struct {
	Vehicles       int
	SpeedMps       float64
	UpdateInterval time.Duration
}

func (o *Options) defaults() {
	if o.Vehicles <= 0 {
		o.Vehicles = 100
	}
	if o.SpeedMps <= 0 {
		// Far above highway speed so boundary crossings happen within a
		// demo session.
		o.SpeedMps = 500
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = 2 * time.Second
	}
}

type Stats struct {
	HandoffsTriggered int
	HandoffsSucceeded int
	HandoffsBuffered  int
	HandoffsFailed    int
}

type Engine struct {
	vehicles []*Vehicle
	rides    RideCreator
	handoffs HandoffTrigger
	rng      *rand.Rand
	logger   *slog.Logger
	opts     Options
	stats    Stats
}

// NewEngine seeds the fleet, half starting in each region, every vehicle
// headed across the boundary.
func NewEngine(rides RideCreator, handoffs HandoffTrigger, rng *rand.Rand, logger *slog.Logger, opts Options) *Engine {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{rides: rides, handoffs: handoffs, rng: rng, logger: logger, opts: opts}
	for i := 0; i < opts.Vehicles; i++ {
		e.vehicles = append(e.vehicles, e.spawn(i))
	}
	return e
}

func (e *Engine) spawn(i int) *Vehicle {
	v := &Vehicle{
		ID:     fmt.Sprintf("AV-%04d", i+1),
		RideID: fmt.Sprintf("R-%06d", e.rng.Intn(900000)+100000),
		Fare:   5 + e.rng.Float64()*45,
	}
	jitter := func() float64 { return (e.rng.Float64() - 0.5) * 0.4 }
	if i%2 == 0 {
		v.Region = RegionPhoenix
		v.Pos = models.Location{Lat: phoenixCenter.Lat + jitter(), Lon: phoenixCenter.Lon + jitter()}
		v.Dst = models.Location{Lat: BoundaryLat + 0.1 + e.rng.Float64()*0.2, Lon: laCenter.Lon + jitter()}
	} else {
		v.Region = RegionLA
		v.Pos = models.Location{Lat: laCenter.Lat + jitter(), Lon: laCenter.Lon + jitter()}
		v.Dst = models.Location{Lat: BoundaryLat - 0.1 - e.rng.Float64()*0.2, Lon: phoenixCenter.Lon + jitter()}
	}
	return v
}

// Seed creates every vehicle's ride in its starting region.
func (e *Engine) Seed(ctx context.Context) error {
	for _, v := range e.vehicles {
		ride := &models.Ride{
			RideID:          v.RideID,
			VehicleID:       v.ID,
			CustomerID:      fmt.Sprintf("C-%06d", e.rng.Intn(900000)+100000),
			Status:          models.StatusInProgress,
			Region:          v.Region,
			Fare:            v.Fare,
			StartLocation:   v.Pos,
			CurrentLocation: v.Pos,
			EndLocation:     v.Dst,
			Timestamp:       time.Now().UTC(),
		}
		if err := e.rides.CreateRide(ctx, v.Region, ride); err != nil {
			return fmt.Errorf("seed ride %s in %s: %w", v.RideID, v.Region, err)
		}
	}
	e.logger.Info("fleet_seeded", "vehicles", len(e.vehicles))
	return nil
}

// Run ticks the fleet until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.UpdateInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			e.Tick(ctx, now.Sub(last))
			last = now
		case <-ctx.Done():
			return
		}
	}
}

// Tick moves every vehicle once and submits handoffs for boundary
// crossings.
func (e *Engine) Tick(ctx context.Context, dt time.Duration) {
	for _, v := range e.vehicles {
		if !v.Move(dt, e.opts.SpeedMps) {
			continue
		}
		e.stats.HandoffsTriggered++
		target := v.counterpart()
		resp, err := e.handoffs.Handoff(ctx, models.HandoffRequest{RideID: v.RideID, Source: v.Region, Target: target})
		if err != nil {
			e.stats.HandoffsFailed++
			e.logger.Error("handoff_request_failed", "ride_id", v.RideID, "error", err)
			continue
		}
		switch resp.Status {
		case models.HandoffSuccess:
			e.stats.HandoffsSucceeded++
			v.Region = target
			e.logger.Info("vehicle_crossed_boundary", "vehicle", v.ID, "ride_id", v.RideID, "to", target, "tx_id", resp.TxID)
		case models.HandoffBuffered:
			e.stats.HandoffsBuffered++
			e.logger.Warn("handoff_buffered", "ride_id", v.RideID, "target", target)
		default:
			e.stats.HandoffsFailed++
			e.logger.Warn("handoff_rejected", "ride_id", v.RideID, "status", resp.Status, "reason", resp.Reason)
		}
	}
}

func (e *Engine) Stats() Stats { return e.stats }
