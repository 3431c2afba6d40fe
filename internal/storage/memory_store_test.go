package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/av-fleet/internal/models"
)

func testRide(id string, ts time.Time) *models.Ride {
	return &models.Ride{
		RideID:     id,
		VehicleID:  "AV-1234",
		CustomerID: "C-123456",
		Status:     models.StatusInProgress,
		Region:     "Phoenix",
		Fare:       25.50,
		Timestamp:  ts,
	}
}

func TestLockSerializesConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	if err := s.InsertRide(ctx, testRide("R-1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Lock(ctx, "R-1", "tx-a"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := s.Lock(ctx, "R-1", "tx-b"); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	r, err := s.GetRide(ctx, "R-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !r.Locked || r.TransactionID != "tx-a" || r.HandoffStatus != models.StagePreparing {
		t.Fatalf("lock did not set fields: %+v", r)
	}
}

func TestUnlockRequiresOwningTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	_ = s.InsertRide(ctx, testRide("R-1", time.Now()))
	_ = s.Lock(ctx, "R-1", "tx-a")

	if err := s.Unlock(ctx, "R-1", "tx-b"); !errors.Is(err, ErrWrongTx) {
		t.Fatalf("expected ErrWrongTx, got %v", err)
	}
	if err := s.Unlock(ctx, "R-1", "tx-a"); err != nil {
		t.Fatalf("owner unlock: %v", err)
	}
	r, _ := s.GetRide(ctx, "R-1")
	if r.Locked || r.TransactionID != "" || r.HandoffStatus != "" {
		t.Fatalf("unlock did not clear fields: %+v", r)
	}
}

func TestDeleteGuardedByTransactionID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	_ = s.InsertRide(ctx, testRide("R-1", time.Now()))
	_ = s.Lock(ctx, "R-1", "tx-a")

	if err := s.DeleteRide(ctx, "R-1", "tx-b"); !errors.Is(err, ErrWrongTx) {
		t.Fatalf("expected ErrWrongTx, got %v", err)
	}
	if err := s.DeleteRide(ctx, "R-1", "tx-a"); err != nil {
		t.Fatalf("delete by owner: %v", err)
	}
	if _, err := s.GetRide(ctx, "R-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteRide(ctx, "R-1", "tx-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestPlainDeleteOnlyMatchesUnlockedRide(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	_ = s.InsertRide(ctx, testRide("R-1", time.Now()))
	_ = s.Lock(ctx, "R-1", "tx-a")

	if err := s.DeleteRide(ctx, "R-1", ""); !errors.Is(err, ErrWrongTx) {
		t.Fatalf("delete of locked ride should fail, got %v", err)
	}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	_ = s.InsertRide(ctx, testRide("R-1", time.Now()))
	if err := s.InsertRide(ctx, testRide("R-1", time.Now())); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFinalizeClearsHandoffFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Los Angeles")
	r := testRide("R-1", time.Now())
	r.TransactionID = "tx-a"
	r.HandoffStatus = models.StagePreparing
	_ = s.InsertRide(ctx, r)

	if err := s.Finalize(ctx, "R-1", "tx-a"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, _ := s.GetRide(ctx, "R-1")
	if got.Locked || got.TransactionID != "" || got.HandoffStatus != models.StageCompleted {
		t.Fatalf("finalize left %+v", got)
	}
	// Replay after the transaction id has been cleared is still ok.
	if err := s.Finalize(ctx, "R-1", "tx-a"); err != nil {
		t.Fatalf("finalize replay: %v", err)
	}
}

func TestFindByTx(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	_ = s.InsertRide(ctx, testRide("R-1", time.Now()))
	_ = s.InsertRide(ctx, testRide("R-2", time.Now()))
	_ = s.Lock(ctx, "R-2", "tx-a")

	got, err := s.FindByTx(ctx, "tx-a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.RideID != "R-2" {
		t.Fatalf("expected R-2, got %s", got.RideID)
	}
	if _, err := s.FindByTx(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty tx id must not match unlocked rides, got %v", err)
	}
}

func TestListOrdersByTimestampDescThenRideID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	base := time.Date(2024, 12, 2, 10, 0, 0, 0, time.UTC)
	_ = s.InsertRide(ctx, testRide("R-2", base))
	_ = s.InsertRide(ctx, testRide("R-1", base))
	_ = s.InsertRide(ctx, testRide("R-3", base.Add(time.Hour)))

	got, err := s.List(ctx, models.RideFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"R-3", "R-1", "R-2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d rides, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].RideID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].RideID)
		}
	}
}

func TestListAppliesFareAndStatusFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("Phoenix")
	cheap := testRide("R-1", time.Now())
	cheap.Fare = 10
	done := testRide("R-2", time.Now())
	done.Status = models.StatusCompleted
	done.Fare = 50
	_ = s.InsertRide(ctx, cheap)
	_ = s.InsertRide(ctx, done)

	min := 20.0
	got, err := s.List(ctx, models.RideFilter{
		Status:  []models.RideStatus{models.StatusCompleted},
		MinFare: &min,
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].RideID != "R-2" {
		t.Fatalf("filter returned %+v", got)
	}
}
