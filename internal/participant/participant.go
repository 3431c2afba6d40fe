// Package participant implements one region's half of the handoff
// protocol: the prepare/commit/abort endpoints plus the ride CRUD surface.
// Every 2PC operation is keyed by txId and safe under duplicate delivery;
// the coordinator is free to retry any call after a partial failure.
package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/storage"
)

// Publisher ships ride write events into the change feed. Nil disables
// the feed (tests, single-region runs).
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

type Service struct {
	Region string
	Store  storage.RideStore
	Feed   Publisher
	Logger *slog.Logger
}

func New(region string, store storage.RideStore, feed Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Region: region, Store: store, Feed: feed, Logger: logger}
}

// Prepare votes on a transaction. A lock is only ever released by an
// abort or by recovery; there is no timeout-based release.
func (s *Service) Prepare(ctx context.Context, req models.PrepareRequest) models.PrepareResponse {
	switch req.Role {
	case models.RoleSource:
		return s.prepareSource(ctx, req)
	case models.RoleTarget:
		return s.prepareTarget(ctx, req)
	}
	return models.PrepareResponse{Vote: models.VoteAbort, Reason: models.ReasonInvalidArgument}
}

func (s *Service) prepareSource(ctx context.Context, req models.PrepareRequest) models.PrepareResponse {
	err := s.Store.Lock(ctx, req.RideID, req.TxID)
	switch {
	case err == nil:
		ride, gerr := s.Store.GetRide(ctx, req.RideID)
		if gerr != nil {
			return models.PrepareResponse{Vote: models.VoteAbort, Reason: models.ReasonUnavailable}
		}
		s.Logger.Info("prepared_source", "tx_id", req.TxID, "ride_id", req.RideID)
		return models.PrepareResponse{Vote: models.VoteCommit, Ride: ride}
	case errors.Is(err, storage.ErrNotFound):
		return models.PrepareResponse{Vote: models.VoteAbort, Reason: models.ReasonNotFound}
	case errors.Is(err, storage.ErrAlreadyLocked):
		// A replay of our own prepare returns the same COMMIT vote.
		ride, gerr := s.Store.GetRide(ctx, req.RideID)
		if gerr == nil && ride.TransactionID == req.TxID {
			return models.PrepareResponse{Vote: models.VoteCommit, Ride: ride}
		}
		return models.PrepareResponse{Vote: models.VoteAbort, Reason: models.ReasonContested}
	}
	s.Logger.Error("prepare_source_failed", "tx_id", req.TxID, "ride_id", req.RideID, "error", err)
	return models.PrepareResponse{Vote: models.VoteAbort, Reason: models.ReasonUnavailable}
}

func (s *Service) prepareTarget(ctx context.Context, req models.PrepareRequest) models.PrepareResponse {
	ride, err := s.Store.GetRide(ctx, req.RideID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.Logger.Info("prepared_target", "tx_id", req.TxID, "ride_id", req.RideID)
		return models.PrepareResponse{Vote: models.VoteCommit}
	case err != nil:
		s.Logger.Error("prepare_target_failed", "tx_id", req.TxID, "ride_id", req.RideID, "error", err)
		return models.PrepareResponse{Vote: models.VoteAbort, Reason: models.ReasonUnavailable}
	}
	// Present already: a replay of our own tentative insert is fine,
	// anything else is a duplicate.
	if ride.TransactionID == req.TxID {
		return models.PrepareResponse{Vote: models.VoteCommit}
	}
	return models.PrepareResponse{Vote: models.VoteAbort, Reason: models.ReasonDuplicate}
}

// Commit applies the voted operation. Source deletes, target inserts the
// snapshot and finalizes it. Both directions treat "already done" as
// success so the coordinator can retry blindly.
func (s *Service) Commit(ctx context.Context, req models.CommitRequest) (models.CommitResponse, error) {
	switch req.Role {
	case models.RoleSource:
		err := s.Store.DeleteRide(ctx, req.RideID, req.TxID)
		switch {
		case err == nil:
			s.publish(ctx, models.ChangeEvent{Op: models.ChangeDelete, Region: s.Region, RideID: req.RideID, At: time.Now().UTC()})
		case errors.Is(err, storage.ErrNotFound):
			// Already deleted by an earlier attempt.
		default:
			return models.CommitResponse{}, fmt.Errorf("source commit %s: %w", req.TxID, err)
		}
		s.Logger.Info("committed_source", "tx_id", req.TxID, "ride_id", req.RideID)
		return models.CommitResponse{Committed: true}, nil

	case models.RoleTarget:
		if req.Ride == nil {
			return models.CommitResponse{}, fmt.Errorf("target commit %s: missing snapshot", req.TxID)
		}
		doc := *req.Ride
		doc.Region = s.Region
		doc.Locked = false
		doc.TransactionID = req.TxID
		doc.HandoffStatus = models.StagePreparing
		err := s.Store.InsertRide(ctx, &doc)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrAlreadyExists):
			existing, gerr := s.Store.GetRide(ctx, req.RideID)
			if gerr != nil {
				return models.CommitResponse{}, fmt.Errorf("target commit %s: %w", req.TxID, gerr)
			}
			if existing.Region != s.Region {
				return models.CommitResponse{}, fmt.Errorf("target commit %s: ride %s held by %s", req.TxID, req.RideID, existing.Region)
			}
			// Replay of our own insert; fall through to finalize.
		default:
			return models.CommitResponse{}, fmt.Errorf("target commit %s: %w", req.TxID, err)
		}
		if err := s.Store.Finalize(ctx, req.RideID, req.TxID); err != nil {
			return models.CommitResponse{}, fmt.Errorf("target finalize %s: %w", req.TxID, err)
		}
		final, gerr := s.Store.GetRide(ctx, req.RideID)
		if gerr == nil {
			s.publish(ctx, models.ChangeEvent{Op: models.ChangeUpsert, Region: s.Region, RideID: req.RideID, Ride: final, At: time.Now().UTC()})
		}
		s.Logger.Info("committed_target", "tx_id", req.TxID, "ride_id", req.RideID)
		return models.CommitResponse{Committed: true}, nil
	}
	return models.CommitResponse{}, fmt.Errorf("unknown role %q", req.Role)
}

// Abort releases whatever this transaction holds here. Releasing a lock
// we do not own and deleting a document we never inserted are both
// no-ops, never errors.
func (s *Service) Abort(ctx context.Context, req models.AbortRequest) (models.AbortResponse, error) {
	switch req.Role {
	case models.RoleSource:
		err := s.Store.Unlock(ctx, req.RideID, req.TxID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrWrongTx) {
			return models.AbortResponse{}, fmt.Errorf("source abort %s: %w", req.TxID, err)
		}
		s.Logger.Info("aborted_source", "tx_id", req.TxID, "ride_id", req.RideID)
		return models.AbortResponse{Aborted: true}, nil

	case models.RoleTarget:
		ride, err := s.Store.FindByTx(ctx, req.TxID)
		if errors.Is(err, storage.ErrNotFound) {
			return models.AbortResponse{Aborted: true}, nil
		}
		if err != nil {
			return models.AbortResponse{}, fmt.Errorf("target abort %s: %w", req.TxID, err)
		}
		// Only a tentative insert carrying this txId is ours to remove.
		if ride.RideID == req.RideID {
			if derr := s.Store.DeleteRide(ctx, req.RideID, req.TxID); derr == nil {
				s.publish(ctx, models.ChangeEvent{Op: models.ChangeDelete, Region: s.Region, RideID: req.RideID, At: time.Now().UTC()})
			}
		}
		s.Logger.Info("aborted_target", "tx_id", req.TxID, "ride_id", req.RideID)
		return models.AbortResponse{Aborted: true}, nil
	}
	return models.AbortResponse{}, fmt.Errorf("unknown role %q", req.Role)
}

// Status answers the coordinator's recovery probe.
func (s *Service) Status(ctx context.Context, txID string) (models.TxStatus, error) {
	ride, err := s.Store.FindByTx(ctx, txID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.TxStatus{}, nil
	}
	if err != nil {
		return models.TxStatus{}, err
	}
	return models.TxStatus{Present: true, Locked: ride.Locked}, nil
}

func (s *Service) publish(ctx context.Context, ev models.ChangeEvent) {
	if s.Feed == nil {
		return
	}
	if err := s.Feed.Publish(ctx, ev); err != nil {
		// The replica trails by feed lag anyway; a dropped event only
		// widens that window until the next write for the ride.
		s.Logger.Warn("change_feed_publish_failed", "ride_id", ev.RideID, "op", ev.Op, "error", err)
	}
}
