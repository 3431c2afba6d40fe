// Package client is the coordinator-side HTTP client for region
// participants. Transient failures (connection errors, 5xx) are retried
// with exponential backoff; a retried call always carries the same txId
// so the participant's idempotence engages. Definitive answers — votes,
// 4xx — are never retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/storage"
)

type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
	Max  int
}

func (r *RetryPolicy) defaults() {
	if r.Base <= 0 {
		r.Base = 100 * time.Millisecond
	}
	if r.Cap <= 0 {
		r.Cap = 2 * time.Second
	}
	if r.Max <= 0 {
		r.Max = 3
	}
}

// Pool holds one client per configured region plus the retry policy they
// share. It satisfies the coordinator's, monitor's, and router's
// participant interfaces.
type Pool struct {
	regions map[string]string // region name -> base URL
	http    *http.Client
	retry   RetryPolicy
}

func NewPool(regions map[string]string, retry RetryPolicy) *Pool {
	retry.defaults()
	return &Pool{
		regions: regions,
		http:    &http.Client{},
		retry:   retry,
	}
}

func (p *Pool) Regions() []string {
	out := make([]string, 0, len(p.regions))
	for r := range p.regions {
		out = append(out, r)
	}
	return out
}

func (p *Pool) baseURL(region string) (string, error) {
	u, ok := p.regions[region]
	if !ok {
		return "", fmt.Errorf("unknown region %q", region)
	}
	return u, nil
}

func (p *Pool) Prepare(ctx context.Context, region string, req models.PrepareRequest) (models.PrepareResponse, error) {
	var resp models.PrepareResponse
	err := p.postWithRetry(ctx, region, "/2pc/prepare", req, &resp)
	return resp, err
}

func (p *Pool) Commit(ctx context.Context, region string, req models.CommitRequest) error {
	var resp models.CommitResponse
	if err := p.postWithRetry(ctx, region, "/2pc/commit", req, &resp); err != nil {
		return err
	}
	if !resp.Committed {
		return fmt.Errorf("region %s did not acknowledge commit for %s", region, req.TxID)
	}
	return nil
}

func (p *Pool) Abort(ctx context.Context, region string, req models.AbortRequest) error {
	var resp models.AbortResponse
	return p.postWithRetry(ctx, region, "/2pc/abort", req, &resp)
}

func (p *Pool) Status(ctx context.Context, region, txID string) (models.TxStatus, error) {
	var resp models.TxStatus
	err := p.getWithRetry(ctx, region, "/2pc/status/"+url.PathEscape(txID), nil, &resp)
	return resp, err
}

func (p *Pool) Health(ctx context.Context, region string) (models.HealthInfo, error) {
	var resp models.HealthInfo
	// Health probes are their own retry loop (the monitor); one shot here.
	err := p.do(ctx, region, http.MethodGet, "/health", nil, nil, &resp)
	return resp, err
}

func (p *Pool) Stats(ctx context.Context, region string) (models.RegionalStats, error) {
	var resp models.RegionalStats
	err := p.getWithRetry(ctx, region, "/stats", nil, &resp)
	return resp, err
}

func (p *Pool) Search(ctx context.Context, region string, f models.RideFilter) ([]models.Ride, error) {
	var resp []models.Ride
	err := p.getWithRetry(ctx, region, "/rides", searchQuery(f), &resp)
	return resp, err
}

func (p *Pool) CreateRide(ctx context.Context, region string, ride *models.Ride) error {
	return p.postWithRetry(ctx, region, "/rides", ride, nil)
}

func (p *Pool) postWithRetry(ctx context.Context, region, path string, body, out any) error {
	return p.withRetry(ctx, func() error {
		return p.do(ctx, region, http.MethodPost, path, nil, body, out)
	})
}

func (p *Pool) getWithRetry(ctx context.Context, region, path string, query url.Values, out any) error {
	return p.withRetry(ctx, func() error {
		return p.do(ctx, region, http.MethodGet, path, query, nil, out)
	})
}

func (p *Pool) withRetry(ctx context.Context, call func() error) error {
	delay := p.retry.Base
	var err error
	for attempt := 0; attempt < p.retry.Max; attempt++ {
		if err = call(); err == nil || !isTransient(err) {
			return err
		}
		if attempt == p.retry.Max-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
		}
		delay *= 2
		if delay > p.retry.Cap {
			delay = p.retry.Cap
		}
	}
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

// transientError marks failures worth retrying.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func (p *Pool) do(ctx context.Context, region, method, path string, query url.Values, body, out any) error {
	base, err := p.baseURL(region)
	if err != nil {
		return err
	}
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return &transientError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &transientError{fmt.Errorf("region %s returned %d: %s", region, resp.StatusCode, msg)}
	case resp.StatusCode == http.StatusNotFound:
		return storage.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return storage.ErrAlreadyExists
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("region %s rejected %s: %d %s", region, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CoordinatorClient talks to the coordinator's public API. The simulator
// and operational tooling use it to trigger handoffs.
type CoordinatorClient struct {
	base string
	http *http.Client
}

func NewCoordinatorClient(baseURL string) *CoordinatorClient {
	return &CoordinatorClient{base: baseURL, http: &http.Client{Timeout: 35 * time.Second}}
}

func (c *CoordinatorClient) Handoff(ctx context.Context, req models.HandoffRequest) (models.HandoffResponse, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return models.HandoffResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/handoff", bytes.NewReader(b))
	if err != nil {
		return models.HandoffResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return models.HandoffResponse{}, err
	}
	defer resp.Body.Close()
	var out models.HandoffResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.HandoffResponse{}, err
	}
	return out, nil
}

func searchQuery(f models.RideFilter) url.Values {
	q := url.Values{}
	if f.Region != "" {
		q.Set("region", f.Region)
	}
	for _, s := range f.Status {
		q.Add("status", string(s))
	}
	if f.MinFare != nil {
		q.Set("minFare", strconv.FormatFloat(*f.MinFare, 'f', -1, 64))
	}
	if f.MaxFare != nil {
		q.Set("maxFare", strconv.FormatFloat(*f.MaxFare, 'f', -1, 64))
	}
	if f.Since != nil {
		q.Set("since", f.Since.Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		q.Set("until", f.Until.Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}
