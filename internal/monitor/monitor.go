// Package monitor classifies each region as AVAILABLE, UNAVAILABLE, or
// UNKNOWN from periodic health probes and broadcasts every transition.
// The monitor only informs the coordinator and router; it never blocks
// them.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/observability"
)

// Prober is the piece of the participant client the monitor needs.
type Prober interface {
	Health(ctx context.Context, region string) (models.HealthInfo, error)
}

// Event is a region state transition.
type Event struct {
	Region string
	From   models.RegionState
	To     models.RegionState
	At     time.Time
}

type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
}

type Monitor struct {
	regions []string
	prober  Prober
	opts    Options
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[string]*models.HealthRecord
	subs    []chan Event

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(regions []string, prober Prober, opts Options, logger *slog.Logger) *Monitor {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	records := make(map[string]*models.HealthRecord, len(regions))
	for _, r := range regions {
		records[r] = &models.HealthRecord{Region: r, State: models.RegionUnknown}
	}
	return &Monitor{regions: regions, prober: prober, opts: opts, logger: logger, records: records}
}

// Subscribe returns a channel that receives every subsequent transition.
// The channel is buffered; a subscriber that falls behind drops the
// oldest notifications, which is fine because the snapshot always has
// the current state.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Start launches the probe loop. Probes run once immediately so the
// coordinator does not sit in UNKNOWN for a full interval.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		m.probeAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	m.logger.Info("health_monitor_started", "interval", m.opts.Interval, "threshold", m.opts.FailureThreshold)
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, region := range m.regions {
		probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		start := time.Now()
		info, err := m.prober.Health(probeCtx, region)
		cancel()
		m.record(region, info, time.Since(start), err)
	}
}

// record applies one probe result. A success flips UNAVAILABLE straight
// back to AVAILABLE; failures accumulate until the threshold.
func (m *Monitor) record(region string, info models.HealthInfo, latency time.Duration, err error) {
	m.mu.Lock()
	rec := m.records[region]
	prev := rec.State

	if err != nil {
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= m.opts.FailureThreshold {
			rec.State = models.RegionUnavailable
		}
	} else {
		rec.State = models.RegionAvailable
		rec.ConsecutiveFailures = 0
		rec.LastOkAt = time.Now().UTC()
		rec.LastLatencyMs = latency.Milliseconds()
		rec.PrimaryID = info.Primary
		rec.ReplicationLagMs = info.ReplicationLagMs
	}
	next := rec.State
	failures := rec.ConsecutiveFailures
	var subs []chan Event
	if next != prev {
		subs = append(subs, m.subs...)
	}
	m.mu.Unlock()

	observability.SetRegionHealth(region, next == models.RegionAvailable)
	if next == prev {
		if err != nil {
			m.logger.Warn("health_probe_failed", "region", region, "failures", failures, "error", err)
		}
		return
	}
	m.logger.Warn("region_state_changed", "region", region, "from", prev, "to", next)
	ev := Event{Region: region, From: prev, To: next, At: time.Now().UTC()}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest so the latest transition always lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// State returns the current classification for one region. Unconfigured
// regions read as UNKNOWN.
func (m *Monitor) State(region string) models.RegionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[region]; ok {
		return rec.State
	}
	return models.RegionUnknown
}

// Snapshot copies all health records for the observability endpoint.
func (m *Monitor) Snapshot() map[string]models.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.HealthRecord, len(m.records))
	for region, rec := range m.records {
		out[region] = *rec
	}
	return out
}
