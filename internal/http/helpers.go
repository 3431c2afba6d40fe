package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/storage"
)

// decodeStrict rejects unknown fields at the boundary so loosely-typed
// clients fail loudly instead of being half-understood.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrAlreadyLocked), errors.Is(err, storage.ErrWrongTx):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// parseRideFilter reads the list-query surface from URL parameters.
func parseRideFilter(r *http.Request) (models.RideFilter, error) {
	q := r.URL.Query()
	f := models.RideFilter{Region: q.Get("region")}
	for _, s := range q["status"] {
		f.Status = append(f.Status, models.RideStatus(s))
	}
	if v := q.Get("minFare"); v != "" {
		fare, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, err
		}
		f.MinFare = &fare
	}
	if v := q.Get("maxFare"); v != "" {
		fare, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, err
		}
		f.MaxFare = &fare
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, err
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, err
		}
		f.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}
