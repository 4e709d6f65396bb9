package models

import "time"

// Coordinate is a (longitude, latitude) pair in decimal degrees.
type Coordinate struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Location is a pickup or dropoff point. It has no identity of its own and
// is always embedded in a RideRequest.
type Location struct {
	Coordinate
	Address  string `json:"address"`
	City     string `json:"city,omitempty"`
	Airport  string `json:"airport,omitempty"`
	Terminal string `json:"terminal,omitempty"`
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideMatched   RideStatus = "matched"
	RideAssigned  RideStatus = "assigned"
	RideCancelled RideStatus = "cancelled"
	RideCompleted RideStatus = "completed"
	RideExpired   RideStatus = "expired"
)

// Terminal reports whether a ride in this status can no longer change.
func (s RideStatus) Terminal() bool {
	return s == RideCancelled || s == RideCompleted || s == RideExpired
}

type Preferences struct {
	// MaxDetourKm of zero means "use the system default".
	MaxDetourKm  float64 `json:"max_detour_km"`
	AllowSharing bool    `json:"allow_sharing"`
}

type RideRequest struct {
	ID                 string      `json:"id"`
	RiderID            string      `json:"rider_id"`
	Pickup             Location    `json:"pickup"`
	Dropoff            Location    `json:"dropoff"`
	Passengers         int         `json:"passengers"`
	Luggage            int         `json:"luggage"`
	Preferences        Preferences `json:"preferences"`
	Status             RideStatus  `json:"status"`
	PoolGroupID        string      `json:"pool_group_id,omitempty"`
	EstimatedPrice     float64     `json:"estimated_price"`
	FinalPrice         *float64    `json:"final_price,omitempty"`
	DistanceKm         float64     `json:"distance_km"`
	PaymentHoldID      string      `json:"payment_hold_id,omitempty"`
	HeldCents          int64       `json:"held_cents,omitempty"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
	RequestedAt        time.Time   `json:"requested_at"`
	ScheduledFor       *time.Time  `json:"scheduled_for,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// RidePatch is a partial update applied to several rides at once. Nil
// fields are left untouched. ClearPool drops the pool reference together
// with the pool-derived final price.
type RidePatch struct {
	Status        *RideStatus
	PoolGroupID   *string
	FinalPrice    *float64
	ClearPool     bool
	PaymentHoldID *string
	HeldCents     *int64
}

func (p RidePatch) Apply(r *RideRequest) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.PoolGroupID != nil {
		r.PoolGroupID = *p.PoolGroupID
	}
	if p.FinalPrice != nil {
		v := *p.FinalPrice
		r.FinalPrice = &v
	}
	if p.ClearPool {
		r.PoolGroupID = ""
		r.FinalPrice = nil
	}
	if p.PaymentHoldID != nil {
		r.PaymentHoldID = *p.PaymentHoldID
	}
	if p.HeldCents != nil {
		r.HeldCents = *p.HeldCents
	}
}

// Candidate is a ride that passed the compatibility filter, with its score.
type Candidate struct {
	Ride  *RideRequest `json:"ride"`
	Score float64      `json:"score"`
}

// Quote is a non-persisted price estimate.
type Quote struct {
	DistanceKm float64 `json:"distance_km"`
	Price      float64 `json:"estimated_price"`
	Currency   string  `json:"currency"`
}

// Event is published on every ride or pool state change.
type Event struct {
	Type         string     `json:"type"`
	RideID       string     `json:"ride_id,omitempty"`
	PoolID       string     `json:"pool_id,omitempty"`
	RiderID      string     `json:"rider_id,omitempty"`
	Status       string     `json:"status"`
	Pickup       Coordinate `json:"pickup"`
	AllowSharing bool       `json:"allow_sharing"`
	At           time.Time  `json:"at"`
}

const (
	EventRideCreated   = "ride.created"
	EventRideMatched   = "ride.matched"
	EventRideCancelled = "ride.cancelled"
	EventRideExpired   = "ride.expired"
	EventRideReleased  = "ride.released"
	EventPoolUpdated   = "pool.updated"
)
