package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/av-fleet/internal/models"
)

// MemoryTxLog is the in-memory TxLog used in tests. It enforces the same
// monotone state machine as the Postgres log.
type MemoryTxLog struct {
	mu      sync.RWMutex
	records map[string]*models.TxRecord
	order   []string
}

func NewMemoryTxLog() *MemoryTxLog {
	return &MemoryTxLog{records: make(map[string]*models.TxRecord)}
}

func (l *MemoryTxLog) Append(ctx context.Context, rec *models.TxRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.records[rec.TxID]
	if !ok {
		cp := *rec
		l.records[rec.TxID] = &cp
		l.order = append(l.order, rec.TxID)
		return nil
	}
	if !existing.State.CanAdvance(rec.State) {
		return fmt.Errorf("%w: %s -> %s", ErrStateConflict, existing.State, rec.State)
	}
	cp := *rec
	// txId and startedAt are immutable once written.
	cp.StartedAt = existing.StartedAt
	l.records[rec.TxID] = &cp
	return nil
}

func (l *MemoryTxLog) Get(ctx context.Context, txID string) (*models.TxRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[txID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryTxLog) Scan(ctx context.Context, states ...models.TxState) ([]models.TxRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	want := make(map[models.TxState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	out := make([]models.TxRecord, 0)
	for _, id := range l.order {
		rec := l.records[id]
		if len(states) == 0 || want[rec.State] {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (l *MemoryTxLog) Recent(ctx context.Context, limit int) ([]models.TxRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.TxRecord, 0, len(l.records))
	for _, id := range l.order {
		out = append(out, *l.records[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
