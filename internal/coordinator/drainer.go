package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/monitor"
	"github.com/example/av-fleet/internal/observability"
)

// discardAfterAttempts bounds how often a buffered handoff whose ride is
// missing at the source gets retried before it is dropped.
const discardAfterAttempts = 2

// RunDrainer consumes monitor transitions and flushes a region's buffer
// when it comes back. Blocks until ctx is cancelled; run it in its own
// goroutine.
func (c *Coordinator) RunDrainer(ctx context.Context, events <-chan monitor.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.To == models.RegionAvailable {
				go c.DrainRegion(ctx, ev.Region)
			}
		case <-ctx.Done():
			return
		}
	}
}

// DrainRegion processes the target's buffer FIFO. At most one drain runs
// per region at a time; a second trigger while one is running is a no-op
// because the running drain will see any entries it adds.
func (c *Coordinator) DrainRegion(ctx context.Context, target string) {
	c.drainMu.Lock()
	if c.drains[target] {
		c.drainMu.Unlock()
		return
	}
	c.drains[target] = true
	c.drainMu.Unlock()
	defer func() {
		c.drainMu.Lock()
		delete(c.drains, target)
		c.drainMu.Unlock()
	}()

	logger := c.logger.With(slog.String("target", target))
	logger.Info("drain_started")
	drained := 0
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := c.buffer.Peek(ctx, target)
		if err != nil {
			logger.Error("drain_peek_failed", "error", err)
			return
		}
		if entry == nil {
			break
		}

		entry.Attempts++
		req := models.HandoffRequest{RideID: entry.RideID, Source: entry.Source, Target: entry.Target}
		resp := c.handoff(ctx, req, false)

		switch {
		case resp.Status == models.HandoffBuffered:
			// Target went down again mid-drain; leave the head in place.
			logger.Info("drain_paused", "ride_id", entry.RideID)
			return
		case resp.Status == models.HandoffAborted && resp.Reason == models.ReasonNotFound && entry.Attempts < discardAfterAttempts:
			// The ride may still be in flight toward the source; hold the
			// head for the next drain cycle.
			if err := c.buffer.UpdateHead(ctx, target, *entry); err != nil {
				logger.Error("drain_update_failed", "ride_id", entry.RideID, "error", err)
			}
			return
		case resp.Status == models.HandoffAborted && resp.Reason == models.ReasonNotFound:
			logger.Warn("drain_entry_discarded", "ride_id", entry.RideID, "reason", "ride not found at source", "attempts", entry.Attempts)
			fallthrough
		default:
			if err := c.buffer.Pop(ctx, target); err != nil {
				logger.Error("drain_pop_failed", "ride_id", entry.RideID, "error", err)
				return
			}
			drained++
			observability.BufferDrainedTotal.Inc()
		}
	}
	c.bumpBufferGauge(ctx, target)
	logger.Info("drain_finished", "drained", drained)
}

// RunRecoveryLoop replays the transaction log at startup and then on a
// fixed cadence, so transactions stranded by unreachable participants
// eventually resolve.
func (c *Coordinator) RunRecoveryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.Recover(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Recover(ctx)
		case <-ctx.Done():
			return
		}
	}
}
