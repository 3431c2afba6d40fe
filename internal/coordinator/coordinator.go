// Package coordinator drives two-phase commit handoffs between region
// participants, journaling every state transition to a durable log before
// taking the step that depends on it. Log order is the correctness spine:
// STARTED before any prepare, PREPARED before any commit, terminal state
// last.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/observability"
	"github.com/example/av-fleet/internal/storage"
)

// Participants is the coordinator's view of the region fleet. The HTTP
// pool implements it in production; tests plug in fakes.
type Participants interface {
	Prepare(ctx context.Context, region string, req models.PrepareRequest) (models.PrepareResponse, error)
	Commit(ctx context.Context, region string, req models.CommitRequest) error
	Abort(ctx context.Context, region string, req models.AbortRequest) error
	Status(ctx context.Context, region, txID string) (models.TxStatus, error)
}

// HealthView is the monitor's read side.
type HealthView interface {
	State(region string) models.RegionState
}

// EventSink receives coordinator events for the live stream. Optional.
type EventSink interface {
	Emit(event string, payload any)
}

type Options struct {
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
	OverallTimeout time.Duration
}

func (o *Options) defaults() {
	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = 5 * time.Second
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = 5 * time.Second
	}
	if o.OverallTimeout <= 0 {
		o.OverallTimeout = 30 * time.Second
	}
}

type Coordinator struct {
	regions      map[string]bool
	participants Participants
	log          storage.TxLog
	buffer       Buffer
	health       HealthView
	events       EventSink
	logger       *slog.Logger
	opts         Options

	// one drain at a time per target region
	drainMu sync.Mutex
	drains  map[string]bool
}

func New(regions []string, participants Participants, log storage.TxLog, buffer Buffer, health HealthView, events EventSink, logger *slog.Logger, opts Options) *Coordinator {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]bool, len(regions))
	for _, r := range regions {
		set[r] = true
	}
	return &Coordinator{
		regions:      set,
		participants: participants,
		log:          log,
		buffer:       buffer,
		health:       health,
		events:       events,
		logger:       logger,
		opts:         opts,
		drains:       make(map[string]bool),
	}
}

// Handoff migrates one ride from source to target. Safe to call
// concurrently; two calls for the same ride serialize on the source lock
// CAS and the loser aborts with reason "contested".
func (c *Coordinator) Handoff(ctx context.Context, req models.HandoffRequest) models.HandoffResponse {
	resp := c.handoff(ctx, req, true)
	observability.HandoffsTotal.WithLabelValues(string(resp.Status)).Inc()
	observability.HandoffLatency.Observe(resp.LatencyMs / 1000)
	if c.events != nil {
		c.events.Emit("handoff", resp)
	}
	return resp
}

func (c *Coordinator) handoff(ctx context.Context, req models.HandoffRequest, enqueueWhenDown bool) models.HandoffResponse {
	start := time.Now()
	done := func(r models.HandoffResponse) models.HandoffResponse {
		r.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		return r
	}

	if req.RideID == "" || req.Source == req.Target || !c.regions[req.Source] || !c.regions[req.Target] {
		return done(models.HandoffResponse{Status: models.HandoffAborted, Reason: models.ReasonInvalidArgument})
	}

	// Health gate. A down target buffers; a down source fails fast —
	// buffering it would leave the ride marooned behind a queue nobody
	// can serve.
	if c.health != nil {
		if c.health.State(req.Target) == models.RegionUnavailable {
			if !enqueueWhenDown {
				return done(models.HandoffResponse{Status: models.HandoffBuffered, Reason: models.ReasonUnavailable})
			}
			entry := models.BufferEntry{RideID: req.RideID, Source: req.Source, Target: req.Target, EnqueuedAt: time.Now().UTC()}
			if err := c.buffer.Enqueue(ctx, entry); err != nil {
				if errors.Is(err, ErrBufferFull) {
					return done(models.HandoffResponse{Status: models.HandoffAborted, Reason: models.ReasonBufferFull})
				}
				return done(models.HandoffResponse{Status: models.HandoffAborted, Reason: models.ReasonInternal})
			}
			c.bumpBufferGauge(ctx, req.Target)
			c.logger.Info("handoff_buffered", "ride_id", req.RideID, "target", req.Target)
			return done(models.HandoffResponse{Status: models.HandoffBuffered, Reason: models.ReasonUnavailable})
		}
		if c.health.State(req.Source) == models.RegionUnavailable {
			return done(models.HandoffResponse{Status: models.HandoffAborted, Reason: models.ReasonSourceUnavailable})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.OverallTimeout)
	defer cancel()

	txID := uuid.NewString()
	rec := &models.TxRecord{
		TxID:      txID,
		RideID:    req.RideID,
		Source:    req.Source,
		Target:    req.Target,
		State:     models.TxStarted,
		StartedAt: time.Now().UTC(),
	}
	if err := c.log.Append(ctx, rec); err != nil {
		c.logger.Error("txlog_append_failed", "tx_id", txID, "error", err)
		return done(models.HandoffResponse{Status: models.HandoffAborted, TxID: txID, Reason: models.ReasonInternal})
	}
	c.logger.Info("handoff_started", "tx_id", txID, "ride_id", req.RideID, "source", req.Source, "target", req.Target)

	// Phase 1: prepare source, then target.
	prepCtx, prepCancel := context.WithTimeout(ctx, c.opts.PrepareTimeout)
	srcResp, err := c.participants.Prepare(prepCtx, req.Source, models.PrepareRequest{TxID: txID, RideID: req.RideID, Role: models.RoleSource})
	prepCancel()
	if err != nil || srcResp.Vote != models.VoteCommit {
		reason := srcResp.Reason
		if err != nil {
			reason = models.ReasonUnavailable
		}
		return done(c.abort(txID, req, rec, reason, true, false))
	}
	rec.SourceVote = models.VoteCommit

	prepCtx, prepCancel = context.WithTimeout(ctx, c.opts.PrepareTimeout)
	dstResp, err := c.participants.Prepare(prepCtx, req.Target, models.PrepareRequest{TxID: txID, RideID: req.RideID, Role: models.RoleTarget})
	prepCancel()
	if err != nil || dstResp.Vote != models.VoteCommit {
		reason := dstResp.Reason
		if err != nil {
			reason = models.ReasonUnavailable
		}
		return done(c.abort(txID, req, rec, reason, true, true))
	}
	rec.TargetVote = models.VoteCommit

	now := time.Now().UTC()
	rec.State = models.TxPrepared
	rec.PreparedAt = &now
	rec.RideSnapshot = srcResp.Ride
	if err := c.log.Append(ctx, rec); err != nil {
		c.logger.Error("txlog_append_failed", "tx_id", txID, "error", err)
		return done(c.abort(txID, req, rec, models.ReasonInternal, true, true))
	}

	// Phase 2. Past PREPARED the transaction must complete even if the
	// caller goes away; recovery finishes whatever we do not.
	commitCtx := context.WithoutCancel(ctx)
	if status, ok := c.commitBothSides(commitCtx, txID, req, srcResp.Ride); !ok {
		return done(status)
	}

	now = time.Now().UTC()
	rec.State = models.TxCommitted
	rec.CommittedAt = &now
	if err := c.log.Append(commitCtx, rec); err != nil {
		// Both sides committed; only the journal write is missing.
		// Recovery will re-drive the idempotent commits and finish it.
		c.logger.Error("txlog_append_failed", "tx_id", txID, "error", err)
		return done(models.HandoffResponse{Status: models.HandoffPartial, TxID: txID, Reason: models.ReasonPartial})
	}
	c.logger.Info("handoff_committed", "tx_id", txID, "ride_id", req.RideID)
	return done(models.HandoffResponse{Status: models.HandoffSuccess, TxID: txID})
}

// commitBothSides inserts at the target first, then deletes at the
// source. Target-first is deliberate: a crash in between shows a
// transient duplicate, while the opposite order could lose the ride.
func (c *Coordinator) commitBothSides(ctx context.Context, txID string, req models.HandoffRequest, snapshot *models.Ride) (models.HandoffResponse, bool) {
	commitCtx, cancel := context.WithTimeout(ctx, c.opts.CommitTimeout)
	err := c.participants.Commit(commitCtx, req.Target, models.CommitRequest{TxID: txID, RideID: req.RideID, Role: models.RoleTarget, Ride: snapshot})
	cancel()
	if err != nil {
		c.logger.Error("target_commit_failed", "tx_id", txID, "error", err)
		return models.HandoffResponse{Status: models.HandoffPartial, TxID: txID, Reason: models.ReasonPartial}, false
	}

	commitCtx, cancel = context.WithTimeout(ctx, c.opts.CommitTimeout)
	err = c.participants.Commit(commitCtx, req.Source, models.CommitRequest{TxID: txID, RideID: req.RideID, Role: models.RoleSource})
	cancel()
	if err != nil {
		// Target has the ride; the source delete is pending. A reader may
		// briefly see both copies until recovery re-drives the delete.
		c.logger.Error("source_commit_failed", "tx_id", txID, "error", err)
		return models.HandoffResponse{Status: models.HandoffPartial, TxID: txID, Reason: models.ReasonPartial}, false
	}
	return models.HandoffResponse{}, true
}

// abort releases whatever the prepare phase engaged and journals the
// terminal state. Participant aborts are idempotent, so ordering between
// the two sides does not matter.
func (c *Coordinator) abort(txID string, req models.HandoffRequest, rec *models.TxRecord, reason string, abortSource, abortTarget bool) models.HandoffResponse {
	// The outer request may already be past its deadline; aborts still
	// need to run.
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommitTimeout)
	defer cancel()

	if abortSource {
		if err := c.participants.Abort(ctx, req.Source, models.AbortRequest{TxID: txID, RideID: req.RideID, Role: models.RoleSource}); err != nil {
			c.logger.Warn("source_abort_failed", "tx_id", txID, "error", err)
		}
	}
	if abortTarget {
		if err := c.participants.Abort(ctx, req.Target, models.AbortRequest{TxID: txID, RideID: req.RideID, Role: models.RoleTarget}); err != nil {
			c.logger.Warn("target_abort_failed", "tx_id", txID, "error", err)
		}
	}

	now := time.Now().UTC()
	rec.State = models.TxAborted
	rec.AbortedAt = &now
	rec.Error = reason
	if err := c.log.Append(ctx, rec); err != nil {
		c.logger.Error("txlog_append_failed", "tx_id", txID, "error", err)
	}
	c.logger.Info("handoff_aborted", "tx_id", txID, "ride_id", req.RideID, "reason", reason)
	return models.HandoffResponse{Status: models.HandoffAborted, TxID: txID, Reason: reason}
}

// Transactions returns the most recent log records for observability.
func (c *Coordinator) Transactions(ctx context.Context, limit int) ([]models.TxRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return c.log.Recent(ctx, limit)
}

func (c *Coordinator) bumpBufferGauge(ctx context.Context, target string) {
	if n, err := c.buffer.Len(ctx, target); err == nil {
		observability.BufferDepth.WithLabelValues(target).Set(float64(n))
	}
}
