package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/participant"
	"github.com/example/av-fleet/internal/storage"
)

// localParticipants drives real participant services in-process, with
// per-region failure injection to simulate crashes and partitions.
type localParticipants struct {
	mu       sync.Mutex
	svcs     map[string]*participant.Service
	stores   map[string]*storage.MemoryStore
	downFor  map[string]bool // region -> every call errors
	failNext map[string]int  // region -> remaining commit calls to fail
}

func newLocalParticipants(regions ...string) *localParticipants {
	lp := &localParticipants{
		svcs:     make(map[string]*participant.Service),
		stores:   make(map[string]*storage.MemoryStore),
		downFor:  make(map[string]bool),
		failNext: make(map[string]int),
	}
	for _, r := range regions {
		store := storage.NewMemoryStore(r)
		lp.stores[r] = store
		lp.svcs[r] = participant.New(r, store, nil, nil)
	}
	return lp
}

var errRegionDown = errors.New("region unreachable")

func (lp *localParticipants) unreachable(region string) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.downFor[region]
}

func (lp *localParticipants) Prepare(ctx context.Context, region string, req models.PrepareRequest) (models.PrepareResponse, error) {
	if lp.unreachable(region) {
		return models.PrepareResponse{}, errRegionDown
	}
	return lp.svcs[region].Prepare(ctx, req), nil
}

func (lp *localParticipants) Commit(ctx context.Context, region string, req models.CommitRequest) error {
	if lp.unreachable(region) {
		return errRegionDown
	}
	lp.mu.Lock()
	if lp.failNext[region] > 0 {
		lp.failNext[region]--
		lp.mu.Unlock()
		return errRegionDown
	}
	lp.mu.Unlock()
	_, err := lp.svcs[region].Commit(ctx, req)
	return err
}

func (lp *localParticipants) Abort(ctx context.Context, region string, req models.AbortRequest) error {
	if lp.unreachable(region) {
		return errRegionDown
	}
	_, err := lp.svcs[region].Abort(ctx, req)
	return err
}

func (lp *localParticipants) Status(ctx context.Context, region, txID string) (models.TxStatus, error) {
	if lp.unreachable(region) {
		return models.TxStatus{}, errRegionDown
	}
	return lp.svcs[region].Status(ctx, txID)
}

// staticHealth is a fixed monitor view for tests.
type staticHealth struct {
	mu     sync.Mutex
	states map[string]models.RegionState
}

func newStaticHealth() *staticHealth {
	return &staticHealth{states: make(map[string]models.RegionState)}
}

func (h *staticHealth) set(region string, s models.RegionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[region] = s
}

func (h *staticHealth) State(region string) models.RegionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[region]; ok {
		return s
	}
	return models.RegionAvailable
}

const (
	phx = "Phoenix"
	la  = "Los Angeles"
)

type fixture struct {
	coord  *Coordinator
	parts  *localParticipants
	log    *storage.MemoryTxLog
	buffer *MemoryBuffer
	health *staticHealth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	parts := newLocalParticipants(phx, la)
	log := storage.NewMemoryTxLog()
	buffer := NewMemoryBuffer(10)
	health := newStaticHealth()
	coord := New([]string{phx, la}, parts, log, buffer, health, nil, nil, Options{
		PrepareTimeout: time.Second,
		CommitTimeout:  time.Second,
		OverallTimeout: 5 * time.Second,
	})
	return &fixture{coord: coord, parts: parts, log: log, buffer: buffer, health: health}
}

func (f *fixture) seed(t *testing.T, region, rideID string) {
	t.Helper()
	r := &models.Ride{
		RideID:     rideID,
		VehicleID:  "AV-1234",
		CustomerID: "C-123456",
		Status:     models.StatusInProgress,
		Region:     region,
		Fare:       25,
		Timestamp:  time.Now().UTC(),
	}
	if err := f.parts.stores[region].InsertRide(context.Background(), r); err != nil {
		t.Fatalf("seed %s in %s: %v", rideID, region, err)
	}
}

func (f *fixture) rideCount(region, rideID string) int {
	if _, err := f.parts.stores[region].GetRide(context.Background(), rideID); err == nil {
		return 1
	}
	return 0
}

func TestHandoffHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-1")

	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-1", Source: phx, Target: la})
	if resp.Status != models.HandoffSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", resp.Status, resp.Reason)
	}
	if f.rideCount(phx, "R-1") != 0 || f.rideCount(la, "R-1") != 1 {
		t.Fatalf("ride not moved: phx=%d la=%d", f.rideCount(phx, "R-1"), f.rideCount(la, "R-1"))
	}
	moved, _ := f.parts.stores[la].GetRide(context.Background(), "R-1")
	if moved.Region != la || moved.Locked || moved.HandoffStatus != models.StageCompleted {
		t.Fatalf("moved ride in bad state: %+v", moved)
	}
	rec, err := f.log.Get(context.Background(), resp.TxID)
	if err != nil {
		t.Fatalf("log record missing: %v", err)
	}
	if rec.State != models.TxCommitted {
		t.Fatalf("expected COMMITTED log record, got %s", rec.State)
	}
}

func TestHandoffTargetDuplicateAborts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-2")
	f.seed(t, la, "R-2")

	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-2", Source: phx, Target: la})
	if resp.Status != models.HandoffAborted || resp.Reason != models.ReasonDuplicate {
		t.Fatalf("expected duplicate abort, got %s (%s)", resp.Status, resp.Reason)
	}
	// Both documents unchanged, source unlocked.
	src, _ := f.parts.stores[phx].GetRide(context.Background(), "R-2")
	if src.Locked {
		t.Fatalf("source still locked after abort")
	}
	if f.rideCount(la, "R-2") != 1 {
		t.Fatalf("target document disturbed")
	}
	rec, _ := f.log.Get(context.Background(), resp.TxID)
	if rec.State != models.TxAborted {
		t.Fatalf("expected ABORTED record, got %s", rec.State)
	}
}

func TestHandoffSourceNotFoundAborts(t *testing.T) {
	f := newFixture(t)
	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-404", Source: phx, Target: la})
	if resp.Status != models.HandoffAborted || resp.Reason != models.ReasonNotFound {
		t.Fatalf("expected not_found abort, got %s (%s)", resp.Status, resp.Reason)
	}
}

func TestHandoffInvalidArguments(t *testing.T) {
	f := newFixture(t)
	cases := []models.HandoffRequest{
		{RideID: "", Source: phx, Target: la},
		{RideID: "R-1", Source: phx, Target: phx},
		{RideID: "R-1", Source: "Tucson", Target: la},
		{RideID: "R-1", Source: phx, Target: "Tucson"},
	}
	for _, req := range cases {
		resp := f.coord.Handoff(context.Background(), req)
		if resp.Status != models.HandoffAborted || resp.Reason != models.ReasonInvalidArgument {
			t.Fatalf("request %+v: expected invalid_argument, got %s (%s)", req, resp.Status, resp.Reason)
		}
	}
}

func TestConcurrentHandoffsOfSameRideSerialize(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-3")

	const callers = 4
	results := make([]models.HandoffResponse, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-3", Source: phx, Target: la})
		}(i)
	}
	wg.Wait()

	var succeeded, contested int
	for _, r := range results {
		switch {
		case r.Status == models.HandoffSuccess:
			succeeded++
		case r.Status == models.HandoffAborted && (r.Reason == models.ReasonContested || r.Reason == models.ReasonNotFound):
			// A very late caller can also lose by finding the ride gone.
			contested++
		default:
			t.Fatalf("unexpected result %s (%s)", r.Status, r.Reason)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one success, got %d", succeeded)
	}
	if f.rideCount(la, "R-3") != 1 || f.rideCount(phx, "R-3") != 0 {
		t.Fatalf("ride duplicated or lost: phx=%d la=%d", f.rideCount(phx, "R-3"), f.rideCount(la, "R-3"))
	}
}

func TestHandoffToUnavailableTargetBuffers(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-4")
	f.health.set(la, models.RegionUnavailable)

	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-4", Source: phx, Target: la})
	if resp.Status != models.HandoffBuffered {
		t.Fatalf("expected BUFFERED, got %s (%s)", resp.Status, resp.Reason)
	}
	if resp.TxID != "" {
		t.Fatalf("buffered handoff must not allocate a txId, got %q", resp.TxID)
	}
	if n, _ := f.buffer.Len(context.Background(), la); n != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", n)
	}

	// Target recovers; drain completes the handoff.
	f.health.set(la, models.RegionAvailable)
	f.coord.DrainRegion(context.Background(), la)
	if f.rideCount(phx, "R-4") != 0 || f.rideCount(la, "R-4") != 1 {
		t.Fatalf("drain did not move ride: phx=%d la=%d", f.rideCount(phx, "R-4"), f.rideCount(la, "R-4"))
	}
	if n, _ := f.buffer.Len(context.Background(), la); n != 0 {
		t.Fatalf("buffer not emptied, %d left", n)
	}
}

func TestHandoffFromUnavailableSourceFailsFast(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-5")
	f.health.set(phx, models.RegionUnavailable)

	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-5", Source: phx, Target: la})
	if resp.Status != models.HandoffAborted || resp.Reason != models.ReasonSourceUnavailable {
		t.Fatalf("expected source_unavailable abort, got %s (%s)", resp.Status, resp.Reason)
	}
	if n, _ := f.buffer.Len(context.Background(), la); n != 0 {
		t.Fatalf("source-unavailable handoff must not buffer")
	}
}

func TestBufferOverflowRejects(t *testing.T) {
	f := newFixture(t)
	f.health.set(la, models.RegionUnavailable)
	for i := 0; i < 10; i++ {
		f.seed(t, phx, ridesID(i))
		resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: ridesID(i), Source: phx, Target: la})
		if resp.Status != models.HandoffBuffered {
			t.Fatalf("entry %d: expected BUFFERED, got %s", i, resp.Status)
		}
	}
	f.seed(t, phx, "R-999999")
	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-999999", Source: phx, Target: la})
	if resp.Status != models.HandoffAborted || resp.Reason != models.ReasonBufferFull {
		t.Fatalf("expected buffer_full abort, got %s (%s)", resp.Status, resp.Reason)
	}
}

func ridesID(i int) string { return "R-10000" + string(rune('0'+i)) }

func TestTargetCommitFailureReturnsPartialAndRecoveryFinishes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-6")
	f.parts.mu.Lock()
	f.parts.failNext[la] = 1
	f.parts.mu.Unlock()

	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-6", Source: phx, Target: la})
	if resp.Status != models.HandoffPartial {
		t.Fatalf("expected PARTIAL, got %s (%s)", resp.Status, resp.Reason)
	}
	rec, _ := f.log.Get(context.Background(), resp.TxID)
	if rec.State != models.TxPrepared {
		t.Fatalf("log should stay PREPARED, got %s", rec.State)
	}

	// Recovery replays the commit once the region answers again.
	f.coord.Recover(context.Background())
	rec, _ = f.log.Get(context.Background(), resp.TxID)
	if rec.State != models.TxCommitted {
		t.Fatalf("recovery should commit, got %s", rec.State)
	}
	if f.rideCount(phx, "R-6") != 0 || f.rideCount(la, "R-6") != 1 {
		t.Fatalf("recovery left phx=%d la=%d", f.rideCount(phx, "R-6"), f.rideCount(la, "R-6"))
	}
}

func TestSourceCommitFailureLeavesTransientDuplicateUntilRecovery(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-7")
	f.parts.mu.Lock()
	f.parts.failNext[phx] = 1
	f.parts.mu.Unlock()

	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-7", Source: phx, Target: la})
	if resp.Status != models.HandoffPartial {
		t.Fatalf("expected PARTIAL, got %s (%s)", resp.Status, resp.Reason)
	}
	// The window where both regions hold the ride.
	if f.rideCount(phx, "R-7") != 1 || f.rideCount(la, "R-7") != 1 {
		t.Fatalf("expected transient duplicate, phx=%d la=%d", f.rideCount(phx, "R-7"), f.rideCount(la, "R-7"))
	}

	f.coord.Recover(context.Background())
	if f.rideCount(phx, "R-7") != 0 || f.rideCount(la, "R-7") != 1 {
		t.Fatalf("recovery left phx=%d la=%d", f.rideCount(phx, "R-7"), f.rideCount(la, "R-7"))
	}
	rec, _ := f.log.Get(context.Background(), resp.TxID)
	if rec.State != models.TxCommitted {
		t.Fatalf("expected COMMITTED after recovery, got %s", rec.State)
	}
}

func TestRecoveryAbortsStartedTransaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-8")

	// Simulate a coordinator crash after STARTED + source prepare.
	rec := &models.TxRecord{
		TxID: "tx-crashed", RideID: "R-8", Source: phx, Target: la,
		State: models.TxStarted, StartedAt: time.Now().UTC(),
	}
	if err := f.log.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.parts.svcs[phx].Prepare(context.Background(), models.PrepareRequest{TxID: "tx-crashed", RideID: "R-8", Role: models.RoleSource})

	f.coord.Recover(context.Background())

	got, _ := f.log.Get(context.Background(), "tx-crashed")
	if got.State != models.TxAborted {
		t.Fatalf("expected ABORTED, got %s", got.State)
	}
	src, _ := f.parts.stores[phx].GetRide(context.Background(), "R-8")
	if src.Locked {
		t.Fatalf("recovery did not release the source lock")
	}
}

func TestRecoveryLeavesStartedWhenParticipantUnreachable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, phx, "R-9")
	rec := &models.TxRecord{
		TxID: "tx-stuck", RideID: "R-9", Source: phx, Target: la,
		State: models.TxStarted, StartedAt: time.Now().UTC(),
	}
	_ = f.log.Append(context.Background(), rec)
	f.parts.mu.Lock()
	f.parts.downFor[la] = true
	f.parts.mu.Unlock()

	f.coord.Recover(context.Background())

	got, _ := f.log.Get(context.Background(), "tx-stuck")
	if got.State != models.TxStarted {
		t.Fatalf("record should stay STARTED while probes fail, got %s", got.State)
	}
}

func TestDrainDiscardsEntryAfterRepeatedNotFound(t *testing.T) {
	f := newFixture(t)
	f.health.set(la, models.RegionUnavailable)
	// Buffer a handoff for a ride that never existed.
	resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: "R-404404", Source: phx, Target: la})
	if resp.Status != models.HandoffBuffered {
		t.Fatalf("expected BUFFERED, got %s", resp.Status)
	}
	f.health.set(la, models.RegionAvailable)

	// First drain: not_found once, entry held.
	f.coord.DrainRegion(context.Background(), la)
	if n, _ := f.buffer.Len(context.Background(), la); n != 1 {
		t.Fatalf("entry should survive first not_found, got %d", n)
	}
	// Second drain: discarded.
	f.coord.DrainRegion(context.Background(), la)
	if n, _ := f.buffer.Len(context.Background(), la); n != 0 {
		t.Fatalf("entry should be discarded after second not_found, got %d", n)
	}
}

func TestDrainPreservesFIFOOrder(t *testing.T) {
	f := newFixture(t)
	f.health.set(la, models.RegionUnavailable)
	ids := []string{"R-201", "R-202", "R-203"}
	for _, id := range ids {
		f.seed(t, phx, id)
		if resp := f.coord.Handoff(context.Background(), models.HandoffRequest{RideID: id, Source: phx, Target: la}); resp.Status != models.HandoffBuffered {
			t.Fatalf("expected BUFFERED for %s", id)
		}
	}
	f.health.set(la, models.RegionAvailable)
	f.coord.DrainRegion(context.Background(), la)

	records, _ := f.log.Scan(context.Background(), models.TxCommitted)
	if len(records) != len(ids) {
		t.Fatalf("expected %d committed transactions, got %d", len(ids), len(records))
	}
	for i, id := range ids {
		if records[i].RideID != id {
			t.Fatalf("drain order violated at %d: expected %s, got %s", i, id, records[i].RideID)
		}
	}
}
