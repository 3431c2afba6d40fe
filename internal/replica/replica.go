// Package replica maintains the read-only global union of all regions'
// rides. The bridge applies change-feed events here; the query router
// serves global-fast reads from it. Eventually consistent by design.
package replica

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "github.com/lib/pq"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/storage"
)

// Replica is the interface the router and the bridge share.
type Replica interface {
	Apply(ctx context.Context, ev models.ChangeEvent) error
	Search(ctx context.Context, f models.RideFilter) ([]models.Ride, error)
}

// PostgresReplica applies events with last-write-wins upserts keyed by
// rideId. A handoff arrives as a delete from the source feed and an
// upsert from the target feed; order between the two does not matter
// because the upsert carries the target region tag.
type PostgresReplica struct {
	db *sql.DB
}

func NewPostgresReplica(dsn string) (*PostgresReplica, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return &PostgresReplica{db: db}, nil
}

func (p *PostgresReplica) Close() error { return p.db.Close() }

func (p *PostgresReplica) Apply(ctx context.Context, ev models.ChangeEvent) error {
	switch ev.Op {
	case models.ChangeDelete:
		// Only remove the row if it still belongs to the region that
		// emitted the delete; the target's upsert may already have
		// overwritten it with the new region tag.
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM rides WHERE ride_id=$1 AND region=$2`, ev.RideID, ev.Region)
		return err
	case models.ChangeUpsert:
		if ev.Ride == nil {
			return fmt.Errorf("upsert event for %s without a ride document", ev.RideID)
		}
		r := ev.Ride
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO rides(ride_id, vehicle_id, customer_id, status, region, fare,
				start_lat, start_lon, current_lat, current_lon, end_lat, end_lon,
				ts, locked, transaction_id, handoff_status)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			 ON CONFLICT (ride_id) DO UPDATE SET
				vehicle_id=EXCLUDED.vehicle_id, customer_id=EXCLUDED.customer_id,
				status=EXCLUDED.status, region=EXCLUDED.region, fare=EXCLUDED.fare,
				current_lat=EXCLUDED.current_lat, current_lon=EXCLUDED.current_lon,
				end_lat=EXCLUDED.end_lat, end_lon=EXCLUDED.end_lon,
				ts=EXCLUDED.ts, locked=EXCLUDED.locked,
				transaction_id=EXCLUDED.transaction_id,
				handoff_status=EXCLUDED.handoff_status`,
			r.RideID, r.VehicleID, r.CustomerID, r.Status, r.Region, r.Fare,
			r.StartLocation.Lat, r.StartLocation.Lon,
			r.CurrentLocation.Lat, r.CurrentLocation.Lon,
			r.EndLocation.Lat, r.EndLocation.Lon,
			r.Timestamp, r.Locked, r.TransactionID, string(r.HandoffStatus))
		return err
	}
	return fmt.Errorf("unknown change op %q", ev.Op)
}

func (p *PostgresReplica) Search(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	// The replica reuses the regional store's table shape, so a read-only
	// PostgresStore view serves the query.
	view := storeView{db: p.db}
	return view.List(ctx, f)
}

// storeView borrows the regional store's scan/filter plumbing.
type storeView struct {
	db *sql.DB
}

func (v storeView) List(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	q, args := storage.RideQuery(f)
	rows, err := v.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0, f.Limit)
	for rows.Next() {
		r, err := storage.ScanRideRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MemoryReplica backs tests and replica-less deployments.
type MemoryReplica struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryReplica() *MemoryReplica {
	return &MemoryReplica{rides: make(map[string]models.Ride)}
}

func (m *MemoryReplica) Apply(ctx context.Context, ev models.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Op {
	case models.ChangeDelete:
		if cur, ok := m.rides[ev.RideID]; ok && cur.Region == ev.Region {
			delete(m.rides, ev.RideID)
		}
		return nil
	case models.ChangeUpsert:
		if ev.Ride == nil {
			return fmt.Errorf("upsert event for %s without a ride document", ev.RideID)
		}
		m.rides[ev.RideID] = *ev.Ride
		return nil
	}
	return fmt.Errorf("unknown change op %q", ev.Op)
}

func (m *MemoryReplica) Search(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		r := r
		if f.Matches(&r) {
			out = append(out, r)
		}
	}
	sortRides(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortRides(rides []models.Ride) {
	sort.Slice(rides, func(i, j int) bool {
		if !rides[i].Timestamp.Equal(rides[j].Timestamp) {
			return rides[i].Timestamp.After(rides[j].Timestamp)
		}
		return rides[i].RideID < rides[j].RideID
	})
}
