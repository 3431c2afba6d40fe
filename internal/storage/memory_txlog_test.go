package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/av-fleet/internal/models"
)

func txRec(id string, state models.TxState) *models.TxRecord {
	return &models.TxRecord{
		TxID:      id,
		RideID:    "R-1",
		Source:    "Phoenix",
		Target:    "Los Angeles",
		State:     state,
		StartedAt: time.Date(2024, 12, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestTxLogForwardTransitions(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryTxLog()
	rec := txRec("tx-1", models.TxStarted)
	for _, state := range []models.TxState{models.TxStarted, models.TxPrepared, models.TxCommitted} {
		rec.State = state
		if err := l.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", state, err)
		}
	}
	got, err := l.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.TxCommitted {
		t.Fatalf("expected COMMITTED, got %s", got.State)
	}
}

func TestTxLogTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryTxLog()
	rec := txRec("tx-1", models.TxAborted)
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	rec.State = models.TxCommitted
	if err := l.Append(ctx, rec); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	rec.State = models.TxStarted
	if err := l.Append(ctx, rec); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for regression, got %v", err)
	}
}

func TestTxLogSameStateReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryTxLog()
	rec := txRec("tx-1", models.TxPrepared)
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("first append: %v", err)
	}
	rec.Error = "retried"
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("replay append: %v", err)
	}
	got, _ := l.Get(ctx, "tx-1")
	if got.Error != "retried" {
		t.Fatalf("last write should win on non-key fields, got %q", got.Error)
	}
}

func TestTxLogStartedAtIsImmutable(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryTxLog()
	rec := txRec("tx-1", models.TxStarted)
	orig := rec.StartedAt
	_ = l.Append(ctx, rec)

	rec.State = models.TxPrepared
	rec.StartedAt = orig.Add(time.Hour)
	_ = l.Append(ctx, rec)

	got, _ := l.Get(ctx, "tx-1")
	if !got.StartedAt.Equal(orig) {
		t.Fatalf("startedAt changed: %v", got.StartedAt)
	}
}

func TestTxLogScanFiltersByState(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryTxLog()
	_ = l.Append(ctx, txRec("tx-1", models.TxStarted))
	_ = l.Append(ctx, txRec("tx-2", models.TxPrepared))
	_ = l.Append(ctx, txRec("tx-3", models.TxCommitted))

	got, err := l.Scan(ctx, models.TxStarted, models.TxPrepared)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 open records, got %d", len(got))
	}
	for _, rec := range got {
		if rec.State.Terminal() {
			t.Fatalf("scan returned terminal record %s", rec.TxID)
		}
	}
}
