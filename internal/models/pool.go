package models

import (
	"fmt"
	"time"
)

type PoolStatus string

const (
	PoolForming    PoolStatus = "forming"
	PoolReady      PoolStatus = "ready"
	PoolInProgress PoolStatus = "in-progress"
	PoolCompleted  PoolStatus = "completed"
	PoolCancelled  PoolStatus = "cancelled"
)

const (
	MaxPoolPassengers = 4
	MaxPoolLuggage    = 8
)

// AllowedPoolTransitions is the pool lifecycle as code.
var AllowedPoolTransitions = map[PoolStatus][]PoolStatus{
	PoolForming:    {PoolReady, PoolCancelled},
	PoolReady:      {PoolInProgress, PoolCancelled},
	PoolInProgress: {PoolCompleted},
}

func CanTransition(from, to PoolStatus) bool {
	for _, s := range AllowedPoolTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Counter struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

func (c Counter) Available() int { return c.Max - c.Current }

type Capacity struct {
	Passengers Counter `json:"passengers"`
	Luggage    Counter `json:"luggage"`
}

type WaypointKind string

const (
	WaypointPickup  WaypointKind = "pickup"
	WaypointDropoff WaypointKind = "dropoff"
)

type Waypoint struct {
	RideID      string       `json:"ride_id"`
	Kind        WaypointKind `json:"type"`
	Priority    int          `json:"priority"`
	Location    Coordinate   `json:"location"`
	Sequence    int          `json:"sequence"`
	EstimatedAt time.Time    `json:"estimated_time"`
}

type Route struct {
	Waypoints        []Waypoint `json:"optimized_waypoints"`
	TotalDistanceKm  float64    `json:"total_distance_km"`
	TotalDurationMin float64    `json:"total_duration_min"`
}

type RideShare struct {
	RideID   string  `json:"ride_id"`
	Price    float64 `json:"price"`
	Discount float64 `json:"discount"`
}

type PoolPricing struct {
	BasePrice  float64     `json:"base_price"`
	TotalPrice float64     `json:"total_price"`
	PerRide    []RideShare `json:"price_per_ride"`
}

// ShareFor returns the price allocated to rideID.
func (p PoolPricing) ShareFor(rideID string) (RideShare, bool) {
	for _, s := range p.PerRide {
		if s.RideID == rideID {
			return s, true
		}
	}
	return RideShare{}, false
}

type PoolGroup struct {
	ID          string      `json:"id"`
	RideIDs     []string    `json:"rides"`
	Status      PoolStatus  `json:"status"`
	Capacity    Capacity    `json:"capacity"`
	Route       Route       `json:"route"`
	Pricing     PoolPricing `json:"pricing"`
	Version     int         `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// NewPoolGroup returns an empty forming pool with the fixed vehicle limits.
func NewPoolGroup(id string, now time.Time) *PoolGroup {
	return &PoolGroup{
		ID:     id,
		Status: PoolForming,
		Capacity: Capacity{
			Passengers: Counter{Max: MaxPoolPassengers},
			Luggage:    Counter{Max: MaxPoolLuggage},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p *PoolGroup) CanAccommodate(passengers, luggage int) bool {
	return passengers <= p.Capacity.Passengers.Available() && luggage <= p.Capacity.Luggage.Available()
}

func (p *PoolGroup) HasRide(id string) bool {
	for _, r := range p.RideIDs {
		if r == id {
			return true
		}
	}
	return false
}

// AddRide appends a member and grows the counters. Adding an existing
// member is a no-op.
func (p *PoolGroup) AddRide(id string, passengers, luggage int) error {
	if p.HasRide(id) {
		return nil
	}
	if !p.CanAccommodate(passengers, luggage) {
		return fmt.Errorf("pool %s: add ride %s (%d pax, %d bags): %w", p.ID, id, passengers, luggage, ErrCapacityExceeded)
	}
	p.RideIDs = append(p.RideIDs, id)
	p.Capacity.Passengers.Current += passengers
	p.Capacity.Luggage.Current += luggage
	return nil
}

// RemoveRide drops a member and shrinks the counters. It reports whether
// the ride was a member.
func (p *PoolGroup) RemoveRide(id string, passengers, luggage int) bool {
	idx := -1
	for i, r := range p.RideIDs {
		if r == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	p.RideIDs = append(p.RideIDs[:idx:idx], p.RideIDs[idx+1:]...)
	p.Capacity.Passengers.Current -= passengers
	p.Capacity.Luggage.Current -= luggage
	return true
}

// Clone returns a deep copy so stores never share slices with callers.
func (p *PoolGroup) Clone() *PoolGroup {
	cp := *p
	cp.RideIDs = append([]string(nil), p.RideIDs...)
	cp.Route.Waypoints = append([]Waypoint(nil), p.Route.Waypoints...)
	cp.Pricing.PerRide = append([]RideShare(nil), p.Pricing.PerRide...)
	return &cp
}

// Clone returns a copy of the ride that shares no pointers with r.
func (r *RideRequest) Clone() *RideRequest {
	cp := *r
	if r.FinalPrice != nil {
		v := *r.FinalPrice
		cp.FinalPrice = &v
	}
	if r.ScheduledFor != nil {
		v := *r.ScheduledFor
		cp.ScheduledFor = &v
	}
	if r.CancelledAt != nil {
		v := *r.CancelledAt
		cp.CancelledAt = &v
	}
	return &cp
}
