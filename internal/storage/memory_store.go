package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/av-fleet/internal/models"
)

// MemoryStore keeps rides in a map. It backs tests and local runs without
// a database, mirroring the semantics of the Postgres store exactly.
type MemoryStore struct {
	mu        sync.RWMutex
	region    string
	rides     map[string]*models.Ride
	lastWrite time.Time
}

func NewMemoryStore(region string) *MemoryStore {
	return &MemoryStore{region: region, rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) InsertRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.RideID]; ok {
		return ErrAlreadyExists
	}
	cp := *r
	m.rides[r.RideID] = &cp
	m.lastWrite = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteRide(ctx context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if r.TransactionID != txID {
		return ErrWrongTx
	}
	delete(m.rides, id)
	m.lastWrite = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, id string, upd models.RideUpdate) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.CurrentLocation != nil {
		r.CurrentLocation = *upd.CurrentLocation
	}
	if upd.EndLocation != nil {
		r.EndLocation = *upd.EndLocation
	}
	if upd.Fare != nil {
		r.Fare = *upd.Fare
	}
	m.lastWrite = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Lock(ctx context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if r.Locked {
		return ErrAlreadyLocked
	}
	r.Locked = true
	r.TransactionID = txID
	r.HandoffStatus = models.StagePreparing
	m.lastWrite = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Unlock(ctx context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if r.TransactionID != txID {
		return ErrWrongTx
	}
	r.Locked = false
	r.TransactionID = ""
	r.HandoffStatus = ""
	m.lastWrite = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Finalize(ctx context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if r.TransactionID != "" && r.TransactionID != txID {
		return ErrWrongTx
	}
	r.Locked = false
	r.TransactionID = ""
	r.HandoffStatus = models.StageCompleted
	m.lastWrite = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FindByTx(ctx context.Context, txID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if txID == "" {
		return nil, ErrNotFound
	}
	for _, r := range m.rides {
		if r.TransactionID == txID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if f.Matches(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].RideID < out[j].RideID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (models.RegionalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := models.RegionalStats{
		Region:   m.region,
		ByStatus: make(map[models.RideStatus]int),
	}
	var fares float64
	for _, r := range m.rides {
		stats.Total++
		stats.ByStatus[r.Status]++
		fares += r.Fare
	}
	if stats.Total > 0 {
		stats.AvgFare = fares / float64(stats.Total)
	}
	return stats, nil
}

func (m *MemoryStore) Health(ctx context.Context) (models.HealthInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.HealthInfo{
		Status:      "healthy",
		Region:      m.region,
		Primary:     "memory",
		LastWriteAt: m.lastWrite,
	}, nil
}
