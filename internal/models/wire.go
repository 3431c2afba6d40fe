package models

import (
	"errors"
	"fmt"
	"time"
)

// Wire shapes for the 2PC participant endpoints. Every call is keyed by
// txId so replays are safe.

type PrepareRequest struct {
	TxID   string `json:"txId"`
	RideID string `json:"rideId"`
	Role   Role   `json:"role"`
}

func (p *PrepareRequest) Validate() error {
	if p.TxID == "" || p.RideID == "" {
		return errors.New("txId and rideId are required")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

type PrepareResponse struct {
	Vote   Vote   `json:"vote"`
	Reason string `json:"reason,omitempty"`
	Ride   *Ride  `json:"ride,omitempty"`
}

type CommitRequest struct {
	TxID   string `json:"txId"`
	RideID string `json:"rideId"`
	Role   Role   `json:"role"`
	Ride   *Ride  `json:"ride,omitempty"`
}

func (c *CommitRequest) Validate() error {
	if c.TxID == "" || c.RideID == "" {
		return errors.New("txId and rideId are required")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.Role == RoleTarget && c.Ride == nil {
		return errors.New("target commit requires the ride snapshot")
	}
	return nil
}

type CommitResponse struct {
	Committed bool `json:"committed"`
}

type AbortRequest struct {
	TxID   string `json:"txId"`
	RideID string `json:"rideId"`
	Role   Role   `json:"role"`
}

func (a *AbortRequest) Validate() error {
	if a.TxID == "" || a.RideID == "" {
		return errors.New("txId and rideId are required")
	}
	if !a.Role.Valid() {
		return fmt.Errorf("unknown role %q", a.Role)
	}
	return nil
}

type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// TxStatus answers a recovery probe: does this participant hold a
// document still carrying txId, and is it locked.
type TxStatus struct {
	Present bool `json:"present"`
	Locked  bool `json:"locked"`
}

type HandoffStatus string

const (
	HandoffSuccess  HandoffStatus = "SUCCESS"
	HandoffAborted  HandoffStatus = "ABORTED"
	HandoffBuffered HandoffStatus = "BUFFERED"
	HandoffPartial  HandoffStatus = "PARTIAL"
)

type HandoffRequest struct {
	RideID string `json:"rideId"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type HandoffResponse struct {
	Status    HandoffStatus `json:"status"`
	TxID      string        `json:"txId,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	LatencyMs float64       `json:"latencyMs"`
}

// RideUpdate is the mutable subset of a ride exposed to CRUD callers. The
// handoff metadata fields are never updatable from the outside.
type RideUpdate struct {
	Status          *RideStatus `json:"status,omitempty"`
	CurrentLocation *Location   `json:"currentLocation,omitempty"`
	EndLocation     *Location   `json:"endLocation,omitempty"`
	Fare            *float64    `json:"fare,omitempty"`
}

func (u *RideUpdate) Validate() error {
	if u.Status == nil && u.CurrentLocation == nil && u.EndLocation == nil && u.Fare == nil {
		return errors.New("no fields to update")
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("unknown status %q", *u.Status)
	}
	if u.Fare != nil && *u.Fare < 0 {
		return errors.New("fare must be non-negative")
	}
	for _, loc := range []*Location{u.CurrentLocation, u.EndLocation} {
		if loc != nil {
			if err := loc.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

type QueryScope string

const (
	ScopeLocal      QueryScope = "local"
	ScopeGlobalFast QueryScope = "global-fast"
	ScopeGlobalLive QueryScope = "global-live"
)

// RideFilter is the store-level query surface shared by participants, the
// replica, and the router.
type RideFilter struct {
	Region  string       `json:"region,omitempty"`
	Status  []RideStatus `json:"status,omitempty"`
	MinFare *float64     `json:"minFare,omitempty"`
	MaxFare *float64     `json:"maxFare,omitempty"`
	Since   *time.Time   `json:"since,omitempty"`
	Until   *time.Time   `json:"until,omitempty"`
	Limit   int          `json:"limit"`
}

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 1000
)

func (f *RideFilter) Validate() error {
	var errs []error
	for _, s := range f.Status {
		if !s.Valid() {
			errs = append(errs, fmt.Errorf("unknown status %q", s))
		}
	}
	if f.MinFare != nil && *f.MinFare < 0 {
		errs = append(errs, errors.New("minFare must be non-negative"))
	}
	if f.MaxFare != nil && *f.MaxFare < 0 {
		errs = append(errs, errors.New("maxFare must be non-negative"))
	}
	if f.MinFare != nil && f.MaxFare != nil && *f.MinFare > *f.MaxFare {
		errs = append(errs, errors.New("minFare exceeds maxFare"))
	}
	if f.Limit == 0 {
		f.Limit = DefaultSearchLimit
	}
	if f.Limit < 1 || f.Limit > MaxSearchLimit {
		errs = append(errs, fmt.Errorf("limit %d out of range [1,%d]", f.Limit, MaxSearchLimit))
	}
	return errors.Join(errs...)
}

// Matches applies the filter to a single ride; the in-memory store and the
// in-memory replica both use it.
func (f *RideFilter) Matches(r *Ride) bool {
	if f.Region != "" && r.Region != f.Region {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinFare != nil && r.Fare < *f.MinFare {
		return false
	}
	if f.MaxFare != nil && r.Fare > *f.MaxFare {
		return false
	}
	if f.Since != nil && r.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

type SearchRequest struct {
	Scope   QueryScope   `json:"scope"`
	Region  string       `json:"region,omitempty"`
	Status  []RideStatus `json:"status,omitempty"`
	MinFare *float64     `json:"minFare,omitempty"`
	MaxFare *float64     `json:"maxFare,omitempty"`
	Since   *time.Time   `json:"since,omitempty"`
	Until   *time.Time   `json:"until,omitempty"`
	Limit   int          `json:"limit"`
}

func (s *SearchRequest) Validate() error {
	switch s.Scope {
	case ScopeLocal, ScopeGlobalFast, ScopeGlobalLive:
	default:
		return fmt.Errorf("unknown scope %q", s.Scope)
	}
	if s.Scope == ScopeLocal && s.Region == "" {
		return errors.New("local scope requires region")
	}
	f := s.Filter()
	if err := f.Validate(); err != nil {
		return err
	}
	s.Limit = f.Limit
	return nil
}

func (s *SearchRequest) Filter() RideFilter {
	return RideFilter{
		Region:  s.Region,
		Status:  s.Status,
		MinFare: s.MinFare,
		MaxFare: s.MaxFare,
		Since:   s.Since,
		Until:   s.Until,
		Limit:   s.Limit,
	}
}

type SearchResponse struct {
	Results        []Ride   `json:"results"`
	LatencyMs      float64  `json:"latencyMs"`
	RegionsQueried []string `json:"regionsQueried"`
	Warnings       []string `json:"warnings,omitempty"`
}
