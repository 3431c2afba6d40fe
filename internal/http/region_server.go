package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/participant"
	"github.com/example/av-fleet/internal/storage"
)

// RegionServer exposes one region's ride CRUD surface and its half of the
// commit protocol.
type RegionServer struct {
	svc    *participant.Service
	logger *slog.Logger
	mux    *mux.Router
}

func NewRegionServer(svc *participant.Service, logger *slog.Logger) *RegionServer {
	s := &RegionServer{svc: svc, logger: logger, mux: mux.NewRouter()}
	registerMiddleware(s.mux, logger)
	s.routes()
	return s
}

func (s *RegionServer) routes() {
	s.mux.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/rides", s.handleListRides).Methods("GET")
	s.mux.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/rides/{id}", s.handleUpdateRide).Methods("PUT")
	s.mux.HandleFunc("/rides/{id}", s.handleDeleteRide).Methods("DELETE")
	s.mux.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.mux.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.mux.HandleFunc("/2pc/prepare", s.handlePrepare).Methods("POST")
	s.mux.HandleFunc("/2pc/commit", s.handleCommit).Methods("POST")
	s.mux.HandleFunc("/2pc/abort", s.handleAbort).Methods("POST")
	s.mux.HandleFunc("/2pc/status/{txId}", s.handleTxStatus).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *RegionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *RegionServer) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var ride models.Ride
	if err := decodeStrict(r, &ride); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	created, err := s.svc.CreateRide(r.Context(), &ride)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *RegionServer) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *RegionServer) handleListRides(w http.ResponseWriter, r *http.Request) {
	f, err := parseRideFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	rides, err := s.svc.ListRides(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *RegionServer) handleUpdateRide(w http.ResponseWriter, r *http.Request) {
	var upd models.RideUpdate
	if err := decodeStrict(r, &upd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	ride, err := s.svc.UpdateRide(r.Context(), mux.Vars(r)["id"], upd)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *RegionServer) handleDeleteRide(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveRide(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": mux.Vars(r)["id"]})
}

func (s *RegionServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *RegionServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, info)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *RegionServer) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req models.PrepareRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Prepare(r.Context(), req))
}

func (s *RegionServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req models.CommitRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	resp, err := s.svc.Commit(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *RegionServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req models.AbortRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	resp, err := s.svc.Abort(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *RegionServer) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Status(r.Context(), mux.Vars(r)["txId"])
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}
