package matcher

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
)

// Config holds the compatibility thresholds.
type Config struct {
	SearchRadiusKm     float64
	CandidateLimit     int
	MaxPickupKm        float64
	MaxDropoffKm       float64
	DefaultMaxDetourKm float64
}

func DefaultConfig() Config {
	return Config{
		SearchRadiusKm:     10,
		CandidateLimit:     20,
		MaxPickupKm:        2,
		MaxDropoffKm:       3,
		DefaultMaxDetourKm: 5,
	}
}

// Store is the read side of the ride store the matcher needs.
type Store interface {
	FindNearbyPending(ctx context.Context, c models.Coordinate, radiusKm float64, excludeID string, limit int) ([]*models.RideRequest, error)
}

// Service looks up nearby pending rides and ranks them for a request.
type Service struct {
	Store  Store
	Config Config
}

func NewService(store Store, cfg Config) *Service {
	return &Service{Store: store, Config: cfg}
}

// Search returns the compatible candidates for req, best first. An empty
// result is a normal outcome.
func (s *Service) Search(ctx context.Context, req *models.RideRequest) ([]models.Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	limit := s.Config.CandidateLimit
	if limit <= 0 {
		limit = DefaultConfig().CandidateLimit
	}
	nearby, err := s.Store.FindNearbyPending(ctx, req.Pickup.Coordinate, s.Config.SearchRadiusKm, req.ID, limit)
	if err != nil {
		return nil, err
	}
	return FindCompatible(req, nearby, s.Config), nil
}

// FindCompatible filters candidates against req and sorts the survivors by
// descending score. Equal scores keep their input order.
func FindCompatible(req *models.RideRequest, candidates []*models.RideRequest, cfg Config) []models.Candidate {
	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c == nil || c.ID == req.ID {
			continue
		}
		if !Compatible(req, c, cfg) {
			continue
		}
		out = append(out, models.Candidate{Ride: c, Score: Score(req, c)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Compatible reports whether candidate can share a vehicle with req.
func Compatible(req, candidate *models.RideRequest, cfg Config) bool {
	if candidate.Status != models.RidePending || !candidate.Preferences.AllowSharing {
		return false
	}
	if geo.DistanceKm(req.Pickup.Coordinate, candidate.Pickup.Coordinate) > cfg.MaxPickupKm {
		return false
	}
	if geo.DistanceKm(req.Dropoff.Coordinate, candidate.Dropoff.Coordinate) > cfg.MaxDropoffKm {
		return false
	}

	shared := SharedRouteDistance(req, candidate)
	if shared-directDistance(req) > EffectiveMaxDetour(req, cfg) {
		return false
	}
	return shared-directDistance(candidate) <= EffectiveMaxDetour(candidate, cfg)
}

// EffectiveMaxDetour is the ride's own tolerance, or the system default.
// Rider defaults are resolved into the ride when it is created.
func EffectiveMaxDetour(r *models.RideRequest, cfg Config) float64 {
	if r.Preferences.MaxDetourKm > 0 {
		return r.Preferences.MaxDetourKm
	}
	if cfg.DefaultMaxDetourKm > 0 {
		return cfg.DefaultMaxDetourKm
	}
	return DefaultConfig().DefaultMaxDetourKm
}

// SharedRouteDistance is the fixed proxy route p1 -> p2, p1 -> d1, d1 -> d2
// used by the detour test. It is not the optimized pool route.
func SharedRouteDistance(a, b *models.RideRequest) float64 {
	return geo.DistanceKm(a.Pickup.Coordinate, b.Pickup.Coordinate) +
		geo.DistanceKm(a.Pickup.Coordinate, a.Dropoff.Coordinate) +
		geo.DistanceKm(a.Dropoff.Coordinate, b.Dropoff.Coordinate)
}

// DirectionSimilarity is 1 for identical headings and 0 for opposite ones.
func DirectionSimilarity(a, b *models.RideRequest) float64 {
	b1 := geo.BearingDegrees(a.Pickup.Coordinate, a.Dropoff.Coordinate)
	b2 := geo.BearingDegrees(b.Pickup.Coordinate, b.Dropoff.Coordinate)
	diff := math.Abs(b1 - b2)
	return 1 - math.Min(diff, 360-diff)/180
}

// Score ranks a compatible pair; higher is better and never negative.
func Score(a, b *models.RideRequest) float64 {
	score := 100.0
	score -= 5 * geo.DistanceKm(a.Pickup.Coordinate, b.Pickup.Coordinate)
	score -= 3 * geo.DistanceKm(a.Dropoff.Coordinate, b.Dropoff.Coordinate)

	minutes := math.Abs(a.RequestedAt.Sub(b.RequestedAt).Minutes())
	score += math.Max(0, 20-minutes)
	score += 30 * DirectionSimilarity(a, b)
	return math.Max(0, score)
}

func directDistance(r *models.RideRequest) float64 {
	return geo.DistanceKm(r.Pickup.Coordinate, r.Dropoff.Coordinate)
}
