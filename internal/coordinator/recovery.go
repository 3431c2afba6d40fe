package coordinator

import (
	"context"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/observability"
)

// Recover scans the log for transactions stranded outside a terminal
// state and resolves them. A STARTED record can never have reached
// commit, so it always collapses to abort once both participants answer
// the status probe. A PREPARED record with both COMMIT votes and a
// snapshot resumes the commit phase; the participant operations are
// idempotent, so re-driving steps that already ran is safe.
func (c *Coordinator) Recover(ctx context.Context) {
	records, err := c.log.Scan(ctx, models.TxStarted, models.TxPrepared)
	if err != nil {
		c.logger.Error("recovery_scan_failed", "error", err)
		return
	}
	for i := range records {
		rec := records[i]
		switch rec.State {
		case models.TxStarted:
			c.recoverStarted(ctx, &rec)
		case models.TxPrepared:
			c.recoverPrepared(ctx, &rec)
		}
	}
}

func (c *Coordinator) recoverStarted(ctx context.Context, rec *models.TxRecord) {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.PrepareTimeout)
	defer cancel()

	// Both probes must answer before we touch anything; with a
	// participant unreachable the record stays STARTED and the next
	// recovery pass retries.
	if _, err := c.participants.Status(probeCtx, rec.Source, rec.TxID); err != nil {
		c.logger.Warn("recovery_probe_failed", "tx_id", rec.TxID, "region", rec.Source, "error", err)
		return
	}
	if _, err := c.participants.Status(probeCtx, rec.Target, rec.TxID); err != nil {
		c.logger.Warn("recovery_probe_failed", "tx_id", rec.TxID, "region", rec.Target, "error", err)
		return
	}

	// Whatever the probes reported, a STARTED transaction never issued a
	// commit, so releasing both sides is always the safe collapse.
	c.finishAbort(ctx, rec, "recovered: coordinator restarted before prepare completed")
	observability.RecoveriesTotal.WithLabelValues("aborted").Inc()
}

func (c *Coordinator) recoverPrepared(ctx context.Context, rec *models.TxRecord) {
	bothVotedCommit := rec.SourceVote == models.VoteCommit && rec.TargetVote == models.VoteCommit
	if !bothVotedCommit || rec.RideSnapshot == nil {
		c.finishAbort(ctx, rec, "recovered: prepared without unanimous commit votes")
		observability.RecoveriesTotal.WithLabelValues("aborted").Inc()
		return
	}

	req := models.HandoffRequest{RideID: rec.RideID, Source: rec.Source, Target: rec.Target}
	if _, ok := c.commitBothSides(ctx, rec.TxID, req, rec.RideSnapshot); !ok {
		// Still PREPARED; the next pass retries.
		return
	}
	now := time.Now().UTC()
	rec.State = models.TxCommitted
	rec.CommittedAt = &now
	if err := c.log.Append(ctx, rec); err != nil {
		c.logger.Error("txlog_append_failed", "tx_id", rec.TxID, "error", err)
		return
	}
	c.logger.Info("recovery_committed", "tx_id", rec.TxID, "ride_id", rec.RideID)
	observability.RecoveriesTotal.WithLabelValues("committed").Inc()
}

func (c *Coordinator) finishAbort(ctx context.Context, rec *models.TxRecord, reason string) {
	abortCtx, cancel := context.WithTimeout(ctx, c.opts.CommitTimeout)
	defer cancel()
	if err := c.participants.Abort(abortCtx, rec.Source, models.AbortRequest{TxID: rec.TxID, RideID: rec.RideID, Role: models.RoleSource}); err != nil {
		c.logger.Warn("recovery_abort_failed", "tx_id", rec.TxID, "region", rec.Source, "error", err)
		return
	}
	if err := c.participants.Abort(abortCtx, rec.Target, models.AbortRequest{TxID: rec.TxID, RideID: rec.RideID, Role: models.RoleTarget}); err != nil {
		c.logger.Warn("recovery_abort_failed", "tx_id", rec.TxID, "region", rec.Target, "error", err)
		return
	}
	now := time.Now().UTC()
	rec.State = models.TxAborted
	rec.AbortedAt = &now
	rec.Error = reason
	if err := c.log.Append(ctx, rec); err != nil {
		c.logger.Error("txlog_append_failed", "tx_id", rec.TxID, "error", err)
		return
	}
	c.logger.Info("recovery_aborted", "tx_id", rec.TxID, "ride_id", rec.RideID, "reason", reason)
}
