package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/av-fleet/internal/coordinator"
	"github.com/example/av-fleet/internal/events"
	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/monitor"
	"github.com/example/av-fleet/internal/router"
)

// StatsReader is the slice of the participant pool the scatter-gather
// stats endpoint needs.
type StatsReader interface {
	Stats(ctx context.Context, region string) (models.RegionalStats, error)
}

// CoordinatorServer is the operator-facing API: handoffs, searches,
// transaction history, region health, and the live event stream.
type CoordinatorServer struct {
	coord   *coordinator.Coordinator
	router  *router.Router
	monitor *monitor.Monitor
	hub     *events.Hub
	stats   StatsReader
	regions []string
	logger  *slog.Logger
	mux     *mux.Router
}

func NewCoordinatorServer(coord *coordinator.Coordinator, rt *router.Router, mon *monitor.Monitor, hub *events.Hub, stats StatsReader, regions []string, logger *slog.Logger) *CoordinatorServer {
	s := &CoordinatorServer{
		coord:   coord,
		router:  rt,
		monitor: mon,
		hub:     hub,
		stats:   stats,
		regions: regions,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	registerMiddleware(s.mux, logger)
	s.routes()
	return s
}

func (s *CoordinatorServer) routes() {
	s.mux.HandleFunc("/handoff", s.handleHandoff).Methods("POST")
	s.mux.HandleFunc("/transactions", s.handleTransactions).Methods("GET")
	s.mux.HandleFunc("/health/regions", s.handleRegionHealth).Methods("GET")
	s.mux.HandleFunc("/rides/search", s.handleSearch).Methods("POST")
	s.mux.HandleFunc("/stats/all", s.handleAllStats).Methods("GET")
	s.mux.HandleFunc("/", s.handleRoot).Methods("GET")
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	s.mux.HandleFunc("/ws/events", s.handleWS)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *CoordinatorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *CoordinatorServer) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req models.HandoffRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	resp := s.coord.Handoff(r.Context(), req)
	status := http.StatusOK
	if resp.Status == models.HandoffAborted && resp.Reason == models.ReasonInvalidArgument {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *CoordinatorServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	records, err := s.coord.Transactions(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(records), "transactions": records})
}

func (s *CoordinatorServer) handleRegionHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

func (s *CoordinatorServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	resp, err := s.router.Search(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if strings.Contains(err.Error(), models.ReasonInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAllStats scatter-gathers /stats from every region. Unreachable
// regions report as null so the caller sees which answers are missing.
func (s *CoordinatorServer) handleAllStats(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		region string
		stats  *models.RegionalStats
	}
	results := make([]entry, len(s.regions))
	var wg sync.WaitGroup
	for i, region := range s.regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			stats, err := s.stats.Stats(r.Context(), region)
			if err != nil {
				s.logger.Warn("stats_fetch_failed", "region", region, "error", err)
				results[i] = entry{region: region}
				return
			}
			results[i] = entry{region: region, stats: &stats}
		}(i, region)
	}
	wg.Wait()
	out := make(map[string]*models.RegionalStats, len(results))
	for _, e := range results {
		out[e.region] = e.stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *CoordinatorServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "av-fleet coordinator",
		"regions": s.regions,
		"endpoints": map[string]string{
			"handoff":      "POST /handoff",
			"search":       "POST /rides/search",
			"transactions": "GET /transactions?limit=N",
			"health":       "GET /health/regions",
			"stats":        "GET /stats/all",
			"events":       "GET /ws/events",
		},
	})
}

var upgrader = websocket.Upgrader{}

func (s *CoordinatorServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.hub.Add(conn)
}
