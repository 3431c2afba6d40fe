package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/av-fleet/internal/client"
	"github.com/example/av-fleet/internal/coordinator"
	"github.com/example/av-fleet/internal/logging"
	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/participant"
	"github.com/example/av-fleet/internal/storage"
)

// The whole handoff path over real HTTP: coordinator -> participant pool
// -> region servers -> in-memory stores. Catches wire-shape drift between
// the client and the handlers that package-local tests cannot.

type stack struct {
	coord  *coordinator.Coordinator
	pool   *client.Pool
	stores map[string]*storage.MemoryStore
	log    *storage.MemoryTxLog
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := logging.NewLogger("test", "error")
	regions := map[string]string{}
	stores := map[string]*storage.MemoryStore{}
	for _, region := range []string{"Phoenix", "Los Angeles"} {
		store := storage.NewMemoryStore(region)
		stores[region] = store
		svc := participant.New(region, store, nil, logger)
		srv := httptest.NewServer(NewRegionServer(svc, logger))
		t.Cleanup(srv.Close)
		regions[region] = srv.URL
	}
	pool := client.NewPool(regions, client.RetryPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, Max: 3})
	txlog := storage.NewMemoryTxLog()
	coord := coordinator.New([]string{"Phoenix", "Los Angeles"}, pool, txlog, coordinator.NewMemoryBuffer(10), nil, nil, logger, coordinator.Options{
		PrepareTimeout: time.Second,
		CommitTimeout:  time.Second,
		OverallTimeout: 5 * time.Second,
	})
	return &stack{coord: coord, pool: pool, stores: stores, log: txlog}
}

func (s *stack) seed(t *testing.T, region, id string) {
	t.Helper()
	r := &models.Ride{
		RideID: id, VehicleID: "AV-1234", CustomerID: "C-123456",
		Status: models.StatusInProgress, Region: region, Fare: 25,
		Timestamp: time.Now().UTC(),
	}
	if err := s.stores[region].InsertRide(context.Background(), r); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestHandoffOverHTTP(t *testing.T) {
	s := newStack(t)
	s.seed(t, "Phoenix", "R-1")

	resp := s.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-1", Source: "Phoenix", Target: "Los Angeles"})
	if resp.Status != models.HandoffSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", resp.Status, resp.Reason)
	}
	if _, err := s.stores["Phoenix"].GetRide(context.Background(), "R-1"); err == nil {
		t.Fatal("ride still present at source")
	}
	moved, err := s.stores["Los Angeles"].GetRide(context.Background(), "R-1")
	if err != nil {
		t.Fatalf("ride missing at target: %v", err)
	}
	if moved.Region != "Los Angeles" || moved.Locked {
		t.Fatalf("moved ride in bad state: %+v", moved)
	}
}

func TestHandoffOverHTTPContested(t *testing.T) {
	s := newStack(t)
	s.seed(t, "Phoenix", "R-2")
	// Hold the lock under another transaction before the handoff.
	if err := s.stores["Phoenix"].Lock(context.Background(), "R-2", "tx-squatter"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	resp := s.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-2", Source: "Phoenix", Target: "Los Angeles"})
	if resp.Status != models.HandoffAborted || resp.Reason != models.ReasonContested {
		t.Fatalf("expected contested abort, got %s (%s)", resp.Status, resp.Reason)
	}
	// The squatter's lock survives the losing abort.
	src, _ := s.stores["Phoenix"].GetRide(context.Background(), "R-2")
	if !src.Locked || src.TransactionID != "tx-squatter" {
		t.Fatalf("foreign lock disturbed: %+v", src)
	}
}

func TestRegionServerCRUDRoundTrip(t *testing.T) {
	logger := logging.NewLogger("test", "error")
	store := storage.NewMemoryStore("Phoenix")
	srv := httptest.NewServer(NewRegionServer(participant.New("Phoenix", store, nil, logger), logger))
	defer srv.Close()

	ride := models.Ride{
		RideID: "R-1", VehicleID: "AV-1234", CustomerID: "C-123456",
		Status: models.StatusInProgress, Region: "Phoenix", Fare: 25,
	}
	body, _ := json.Marshal(ride)
	resp, err := http.Post(srv.URL+"/rides", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	// Duplicate create conflicts.
	resp, _ = http.Post(srv.URL+"/rides", "application/json", bytes.NewReader(body))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/rides/R-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got models.Ride
	_ = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if got.RideID != "R-1" || got.Region != "Phoenix" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rides/R-1", nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = http.Get(srv.URL + "/rides/R-1")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestRegionServerRejectsUnknownFields(t *testing.T) {
	logger := logging.NewLogger("test", "error")
	store := storage.NewMemoryStore("Phoenix")
	srv := httptest.NewServer(NewRegionServer(participant.New("Phoenix", store, nil, logger), logger))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/2pc/prepare", "application/json",
		bytes.NewReader([]byte(`{"txId":"tx-1","rideId":"R-1","role":"SOURCE","mystery":true}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field should 400, got %d", resp.StatusCode)
	}
}

func TestStatusProbeOverHTTP(t *testing.T) {
	s := newStack(t)
	s.seed(t, "Phoenix", "R-3")
	prep, err := s.pool.Prepare(context.Background(), "Phoenix", models.PrepareRequest{TxID: "tx-1", RideID: "R-3", Role: models.RoleSource})
	if err != nil || prep.Vote != models.VoteCommit {
		t.Fatalf("prepare: %v %s", err, prep.Vote)
	}
	status, err := s.pool.Status(context.Background(), "Phoenix", "tx-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Present || !status.Locked {
		t.Fatalf("expected present+locked, got %+v", status)
	}
}
