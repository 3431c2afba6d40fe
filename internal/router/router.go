// Package router serves reads at three consistency points: a single
// region (strong w.r.t. that region), the global replica (eventual), and
// a live scatter-gather across every participant.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/observability"
)

// RideSource reads rides from one named region.
type RideSource interface {
	Search(ctx context.Context, region string, f models.RideFilter) ([]models.Ride, error)
}

// ReplicaSource reads the eventually consistent global union.
type ReplicaSource interface {
	Search(ctx context.Context, f models.RideFilter) ([]models.Ride, error)
}

type Options struct {
	CallTimeout   time.Duration
	GlobalTimeout time.Duration
}

func (o *Options) defaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.GlobalTimeout <= 0 {
		o.GlobalTimeout = 10 * time.Second
	}
}

type Router struct {
	regions      []string
	participants RideSource
	replica      ReplicaSource
	logger       *slog.Logger
	opts         Options
}

func New(regions []string, participants RideSource, replica ReplicaSource, logger *slog.Logger, opts Options) *Router {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{regions: regions, participants: participants, replica: replica, logger: logger, opts: opts}
}

func (r *Router) Search(ctx context.Context, req models.SearchRequest) (models.SearchResponse, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return models.SearchResponse{}, fmt.Errorf("%s: %w", models.ReasonInvalidArgument, err)
	}
	observability.SearchesTotal.WithLabelValues(string(req.Scope)).Inc()

	var resp models.SearchResponse
	var err error
	switch req.Scope {
	case models.ScopeLocal:
		resp, err = r.searchLocal(ctx, req)
	case models.ScopeGlobalFast:
		resp, err = r.searchGlobalFast(ctx, req)
	case models.ScopeGlobalLive:
		resp, err = r.searchGlobalLive(ctx, req)
	}
	if err != nil {
		return models.SearchResponse{}, err
	}
	resp.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	return resp, nil
}

func (r *Router) searchLocal(ctx context.Context, req models.SearchRequest) (models.SearchResponse, error) {
	known := false
	for _, region := range r.regions {
		if region == req.Region {
			known = true
			break
		}
	}
	if !known {
		return models.SearchResponse{}, fmt.Errorf("%s: unknown region %q", models.ReasonInvalidArgument, req.Region)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	rides, err := r.participants.Search(ctx, req.Region, req.Filter())
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("region %s: %w", req.Region, err)
	}
	return models.SearchResponse{Results: rides, RegionsQueried: []string{req.Region}}, nil
}

func (r *Router) searchGlobalFast(ctx context.Context, req models.SearchRequest) (models.SearchResponse, error) {
	if r.replica == nil {
		return models.SearchResponse{}, errors.New("global replica not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	// The union holds every region; a region field in the filter only
	// narrows it.
	rides, err := r.replica.Search(ctx, req.Filter())
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("global replica: %w", err)
	}
	return models.SearchResponse{Results: rides, RegionsQueried: []string{"global-replica"}}, nil
}

// searchGlobalLive fans out to every participant in parallel and merges.
// One slow or dead region degrades the answer with a warning rather than
// failing it; only a unanimous failure errors.
func (r *Router) searchGlobalLive(ctx context.Context, req models.SearchRequest) (models.SearchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.GlobalTimeout)
	defer cancel()

	type result struct {
		region string
		rides  []models.Ride
		err    error
	}
	results := make([]result, len(r.regions))
	var wg sync.WaitGroup
	f := req.Filter()
	f.Region = ""
	for i, region := range r.regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			callCtx, callCancel := context.WithTimeout(ctx, r.opts.CallTimeout)
			defer callCancel()
			rides, err := r.participants.Search(callCtx, region, f)
			results[i] = result{region: region, rides: rides, err: err}
		}(i, region)
	}
	wg.Wait()

	resp := models.SearchResponse{RegionsQueried: make([]string, 0, len(r.regions))}
	merged := make(map[string]models.Ride)
	failures := 0
	for _, res := range results {
		resp.RegionsQueried = append(resp.RegionsQueried, res.region)
		if res.err != nil {
			failures++
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("region %s: %v", res.region, res.err))
			r.logger.Warn("scatter_query_failed", "region", res.region, "error", res.err)
			continue
		}
		for _, ride := range res.rides {
			// A handoff caught mid-flight can surface the ride from both
			// regions; keep the most recently written copy.
			if cur, ok := merged[ride.RideID]; !ok || ride.Timestamp.After(cur.Timestamp) {
				merged[ride.RideID] = ride
			}
		}
	}
	if failures == len(r.regions) {
		return models.SearchResponse{}, fmt.Errorf("%s: all %d regions failed", models.ReasonUnavailable, failures)
	}

	out := make([]models.Ride, 0, len(merged))
	for _, ride := range merged {
		out = append(out, ride)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].RideID < out[j].RideID
	})
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	resp.Results = out
	return resp, nil
}
