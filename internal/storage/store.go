package storage

import (
	"context"
	"time"

	"github.com/example/ride-pooling/internal/models"
)

// RideStore persists ride requests.
type RideStore interface {
	// FindNearbyPending returns pending, shareable rides whose pickup lies
	// within radiusKm of c, nearest first.
	FindNearbyPending(ctx context.Context, c models.Coordinate, radiusKm float64, excludeID string, limit int) ([]*models.RideRequest, error)
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	Save(ctx context.Context, r *models.RideRequest) error
	// UpdateMany applies patch to every listed ride. Missing ids fail the
	// whole call with ErrNotFound and nothing is written.
	UpdateMany(ctx context.Context, ids []string, patch models.RidePatch) error
	List(ctx context.Context, f RideFilter) ([]*models.RideRequest, int, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.RideRequest, error)
}

// PoolStore persists pool groups. Save is optimistic: the caller's Version
// must match the stored one, and it is incremented on success.
type PoolStore interface {
	Get(ctx context.Context, id string) (*models.PoolGroup, error)
	Save(ctx context.Context, p *models.PoolGroup) error
	// FindForming returns forming pools with at least one free seat.
	FindForming(ctx context.Context) ([]*models.PoolGroup, error)
	List(ctx context.Context, f PoolFilter) ([]*models.PoolGroup, int, error)
	Stats(ctx context.Context) (PoolStats, error)
}

// RiderPreferenceStore keeps each rider's default ride preferences. Rides
// created without an explicit preference fall back to these.
type RiderPreferenceStore interface {
	GetPreferences(ctx context.Context, riderID string) (models.Preferences, bool, error)
	SavePreferences(ctx context.Context, riderID string, prefs models.Preferences) error
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize clamps the page to sane bounds and returns the row offset.
func (p *Page) Normalize() int {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	return (p.Page - 1) * p.Limit
}

type RideFilter struct {
	RiderID string
	Status  models.RideStatus
	Page
}

type PoolFilter struct {
	Status models.PoolStatus
	Page
}

type StatusStats struct {
	Status          models.PoolStatus `json:"status"`
	Count           int               `json:"count"`
	AvgRides        float64           `json:"avg_rides"`
	TotalDistanceKm float64           `json:"total_distance_km"`
}

type PoolStats struct {
	TotalPools  int           `json:"total_pools"`
	ActivePools int           `json:"active_pools"`
	ByStatus    []StatusStats `json:"by_status"`
}

// Active reports whether a pool in status s still counts as live.
func Active(s models.PoolStatus) bool {
	return s == models.PoolForming || s == models.PoolReady || s == models.PoolInProgress
}

// indexable reports whether r belongs in the pending pickup index.
func indexable(r *models.RideRequest) bool {
	return r.Status == models.RidePending && r.Preferences.AllowSharing
}
