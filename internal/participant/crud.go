package participant

import (
	"context"
	"errors"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/storage"
)

// CreateRide inserts a new ride into this region. The region tag in the
// stored document always equals the region that stores it.
func (s *Service) CreateRide(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	r.Region = s.Region
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Locked = false
	r.TransactionID = ""
	r.HandoffStatus = ""
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := s.Store.InsertRide(ctx, r); err != nil {
		return nil, err
	}
	s.publish(ctx, models.ChangeEvent{Op: models.ChangeUpsert, Region: s.Region, RideID: r.RideID, Ride: r, At: time.Now().UTC()})
	s.Logger.Info("ride_created", "ride_id", r.RideID)
	return r, nil
}

func (s *Service) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, id)
}

func (s *Service) UpdateRide(ctx context.Context, id string, upd models.RideUpdate) (*models.Ride, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}
	ride, err := s.Store.UpdateRide(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, models.ChangeEvent{Op: models.ChangeUpsert, Region: s.Region, RideID: id, Ride: ride, At: time.Now().UTC()})
	return ride, nil
}

// RemoveRide is the operator-facing delete. It refuses to remove a ride
// that is mid-handoff.
func (s *Service) RemoveRide(ctx context.Context, id string) error {
	err := s.Store.DeleteRide(ctx, id, "")
	if errors.Is(err, storage.ErrWrongTx) {
		return storage.ErrAlreadyLocked
	}
	if err != nil {
		return err
	}
	s.publish(ctx, models.ChangeEvent{Op: models.ChangeDelete, Region: s.Region, RideID: id, At: time.Now().UTC()})
	s.Logger.Info("ride_deleted", "ride_id", id)
	return nil
}

func (s *Service) ListRides(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return s.Store.List(ctx, f)
}

func (s *Service) Stats(ctx context.Context) (models.RegionalStats, error) {
	stats, err := s.Store.Stats(ctx)
	if err != nil {
		return stats, err
	}
	if health, herr := s.Store.Health(ctx); herr == nil {
		stats.ReplicationLagMs = health.ReplicationLagMs
	}
	return stats, nil
}

func (s *Service) Health(ctx context.Context) (models.HealthInfo, error) {
	return s.Store.Health(ctx)
}
