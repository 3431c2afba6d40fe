package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/av-fleet/internal/models"
)

// PostgresStore implements RideStore on a single rides table. Single-row
// conditional UPDATEs give the document-level atomicity the protocol
// needs; the lock CAS is a WHERE locked=FALSE guard.
type PostgresStore struct {
	db     *sql.DB
	region string

	mu        sync.RWMutex
	lastWrite time.Time
}

func NewPostgresStore(dsn, region string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &PostgresStore{db: db, region: region}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `ride_id, vehicle_id, customer_id, status, region, fare,
	start_lat, start_lon, current_lat, current_lon, end_lat, end_lon,
	ts, locked, transaction_id, handoff_status`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE ride_id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) InsertRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.RideID, r.VehicleID, r.CustomerID, r.Status, r.Region, r.Fare,
		r.StartLocation.Lat, r.StartLocation.Lon,
		r.CurrentLocation.Lat, r.CurrentLocation.Lon,
		r.EndLocation.Lat, r.EndLocation.Lon,
		r.Timestamp, r.Locked, r.TransactionID, string(r.HandoffStatus))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return p.wrap(err)
	}
	p.touch()
	return nil
}

func (p *PostgresStore) DeleteRide(ctx context.Context, id, txID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM rides WHERE ride_id=$1 AND transaction_id=$2`, id, txID)
	if err != nil {
		return p.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missingOrWrongTx(ctx, id)
	}
	p.touch()
	return nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, id string, upd models.RideUpdate) (*models.Ride, error) {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if upd.Status != nil {
		sets = append(sets, "status="+arg(string(*upd.Status)))
	}
	if upd.CurrentLocation != nil {
		sets = append(sets, "current_lat="+arg(upd.CurrentLocation.Lat), "current_lon="+arg(upd.CurrentLocation.Lon))
	}
	if upd.EndLocation != nil {
		sets = append(sets, "end_lat="+arg(upd.EndLocation.Lat), "end_lon="+arg(upd.EndLocation.Lon))
	}
	if upd.Fare != nil {
		sets = append(sets, "fare="+arg(*upd.Fare))
	}
	args = append(args, id)
	q := `UPDATE rides SET ` + strings.Join(sets, ", ") +
		fmt.Sprintf(` WHERE ride_id=$%d RETURNING `, len(args)) + rideColumns
	r, err := scanRide(p.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, err
	}
	p.touch()
	return r, nil
}

func (p *PostgresStore) Lock(ctx context.Context, id, txID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET locked=TRUE, transaction_id=$2, handoff_status=$3
		 WHERE ride_id=$1 AND locked=FALSE`,
		id, txID, string(models.StagePreparing))
	if err != nil {
		return p.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM rides WHERE ride_id=$1)`, id).Scan(&exists); err != nil {
			return p.wrap(err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyLocked
	}
	p.touch()
	return nil
}

func (p *PostgresStore) Unlock(ctx context.Context, id, txID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET locked=FALSE, transaction_id='', handoff_status=''
		 WHERE ride_id=$1 AND transaction_id=$2`, id, txID)
	if err != nil {
		return p.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missingOrWrongTx(ctx, id)
	}
	p.touch()
	return nil
}

func (p *PostgresStore) Finalize(ctx context.Context, id, txID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET locked=FALSE, transaction_id='', handoff_status=$3
		 WHERE ride_id=$1 AND (transaction_id=$2 OR transaction_id='')`,
		id, txID, string(models.StageCompleted))
	if err != nil {
		return p.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missingOrWrongTx(ctx, id)
	}
	p.touch()
	return nil
}

func (p *PostgresStore) FindByTx(ctx context.Context, txID string) (*models.Ride, error) {
	if txID == "" {
		return nil, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE transaction_id=$1`, txID)
	return scanRide(row)
}

func (p *PostgresStore) List(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	q, args := RideQuery(f)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, p.wrap(err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0, f.Limit)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (models.RegionalStats, error) {
	stats := models.RegionalStats{Region: p.region, ByStatus: make(map[models.RideStatus]int)}
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(AVG(fare),0) FROM rides GROUP BY status`)
	if err != nil {
		return stats, p.wrap(err)
	}
	defer rows.Close()
	var fares float64
	for rows.Next() {
		var status string
		var count int
		var avg float64
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return stats, err
		}
		stats.ByStatus[models.RideStatus(status)] = count
		stats.Total += count
		fares += avg * float64(count)
	}
	if stats.Total > 0 {
		stats.AvgFare = fares / float64(stats.Total)
	}
	return stats, rows.Err()
}

func (p *PostgresStore) Health(ctx context.Context) (models.HealthInfo, error) {
	var primary string
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(inet_server_addr()::text, 'local') || ':' || COALESCE(inet_server_port()::text, '5432')`).Scan(&primary)
	if err != nil {
		return models.HealthInfo{Status: "unhealthy", Region: p.region}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var lagMs int64
	// On a primary the query returns no row and the lag stays zero.
	_ = p.db.QueryRowContext(ctx,
		`SELECT COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp())*1000, 0)::bigint
		 WHERE pg_is_in_recovery()`).Scan(&lagMs)
	p.mu.RLock()
	last := p.lastWrite
	p.mu.RUnlock()
	return models.HealthInfo{
		Status:           "healthy",
		Region:           p.region,
		Primary:          primary,
		ReplicationLagMs: lagMs,
		LastWriteAt:      last,
	}, nil
}

func (p *PostgresStore) touch() {
	p.mu.Lock()
	p.lastWrite = time.Now().UTC()
	p.mu.Unlock()
}

func (p *PostgresStore) missingOrWrongTx(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM rides WHERE ride_id=$1)`, id).Scan(&exists); err != nil {
		return p.wrap(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrWrongTx
}

func (p *PostgresStore) wrap(err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// RideQuery builds the filtered SELECT used by both the regional store
// and the global replica view.
func RideQuery(f models.RideFilter) (string, []any) {
	where, args := buildRideFilter(f)
	limit := f.Limit
	if limit <= 0 {
		limit = models.DefaultSearchLimit
	}
	q := `SELECT ` + rideColumns + ` FROM rides` + where +
		` ORDER BY ts DESC, ride_id ASC LIMIT ` + fmt.Sprintf("%d", limit)
	return q, args
}

// ScanRideRow scans one row produced by RideQuery.
func ScanRideRow(row interface{ Scan(dest ...any) error }) (*models.Ride, error) {
	return scanRide(row)
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var status, handoff string
	err := row.Scan(&r.RideID, &r.VehicleID, &r.CustomerID, &status, &r.Region, &r.Fare,
		&r.StartLocation.Lat, &r.StartLocation.Lon,
		&r.CurrentLocation.Lat, &r.CurrentLocation.Lon,
		&r.EndLocation.Lat, &r.EndLocation.Lon,
		&r.Timestamp, &r.Locked, &r.TransactionID, &handoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	r.HandoffStatus = models.HandoffStage(handoff)
	return &r, nil
}

func buildRideFilter(f models.RideFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Region != "" {
		conds = append(conds, "region="+arg(f.Region))
	}
	if len(f.Status) > 0 {
		placeholders := make([]string, 0, len(f.Status))
		for _, s := range f.Status {
			placeholders = append(placeholders, arg(string(s)))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.MinFare != nil {
		conds = append(conds, "fare >= "+arg(*f.MinFare))
	}
	if f.MaxFare != nil {
		conds = append(conds, "fare <= "+arg(*f.MaxFare))
	}
	if f.Since != nil {
		conds = append(conds, "ts >= "+arg(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "ts <= "+arg(*f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
