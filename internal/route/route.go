package route

import (
	"fmt"
	"time"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

// DefaultSpeedKmh is the flat average speed used for durations and ETAs.
const DefaultSpeedKmh = 40.0

const (
	pickupPriority  = 1
	dropoffPriority = 2
)

// Optimizer orders pool waypoints with a greedy nearest-neighbour pass.
type Optimizer struct {
	SpeedKmh float64
	Now      func() time.Time
}

func NewOptimizer(speedKmh float64) *Optimizer {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return &Optimizer{SpeedKmh: speedKmh, Now: time.Now}
}

// Waypoints builds the unordered pickup/dropoff list in pool member order.
func Waypoints(pool *models.PoolGroup, rides map[string]*models.RideRequest) ([]models.Waypoint, error) {
	out := make([]models.Waypoint, 0, 2*len(pool.RideIDs))
	for _, id := range pool.RideIDs {
		r, ok := rides[id]
		if !ok || r == nil {
			return nil, fmt.Errorf("route: pool %s member %s: %w", pool.ID, id, models.ErrNotFound)
		}
		out = append(out,
			models.Waypoint{RideID: id, Kind: models.WaypointPickup, Priority: pickupPriority, Location: r.Pickup.Coordinate},
			models.Waypoint{RideID: id, Kind: models.WaypointDropoff, Priority: dropoffPriority, Location: r.Dropoff.Coordinate},
		)
	}
	return out, nil
}

// Optimize returns the visiting order for pool. Every dropoff comes after
// the pickup of the same ride. Two or fewer waypoints are kept as given.
func (o *Optimizer) Optimize(pool *models.PoolGroup, rides map[string]*models.RideRequest) (models.Route, error) {
	wps, err := Waypoints(pool, rides)
	if err != nil {
		return models.Route{}, err
	}
	ordered := wps
	if len(wps) > 2 {
		ordered = nearestNeighbour(wps)
	}
	return o.annotate(ordered), nil
}

func nearestNeighbour(wps []models.Waypoint) []models.Waypoint {
	placed := make([]bool, len(wps))
	pickedUp := make(map[string]bool, len(wps)/2)
	out := make([]models.Waypoint, 0, len(wps))

	start := 0
	for i, w := range wps {
		if w.Kind == models.WaypointPickup {
			start = i
			break
		}
	}
	place := func(i int) {
		placed[i] = true
		if wps[i].Kind == models.WaypointPickup {
			pickedUp[wps[i].RideID] = true
		}
		out = append(out, wps[i])
	}
	place(start)

	for len(out) < len(wps) {
		cur := out[len(out)-1].Location
		next := -1
		best := 0.0
		for i, w := range wps {
			if placed[i] {
				continue
			}
			if w.Kind == models.WaypointDropoff && !pickedUp[w.RideID] {
				continue
			}
			d := geo.DistanceKm(cur, w.Location)
			if next < 0 || d < best {
				next, best = i, d
			}
		}
		if next < 0 {
			// Nothing eligible; take the first unplaced waypoint in order.
			for i := range wps {
				if !placed[i] {
					next = i
					break
				}
			}
		}
		place(next)
	}
	return out
}

func (o *Optimizer) annotate(wps []models.Waypoint) models.Route {
	speed := o.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	t0 := now()

	out := make([]models.Waypoint, len(wps))
	total := 0.0
	for i, w := range wps {
		if i > 0 {
			total += geo.DistanceKm(wps[i-1].Location, w.Location)
		}
		w.Sequence = i + 1
		w.EstimatedAt = t0.Add(minutes(total / speed * 60))
		out[i] = w
	}
	return models.Route{
		Waypoints:        out,
		TotalDistanceKm:  geo.Round2(total),
		TotalDurationMin: geo.Round2(total / speed * 60),
	}
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// ValidateSequence checks that each ride is picked up exactly once and
// dropped off after its pickup.
func ValidateSequence(wps []models.Waypoint) error {
	picked := make(map[string]bool)
	dropped := make(map[string]bool)
	for i, w := range wps {
		switch w.Kind {
		case models.WaypointPickup:
			if picked[w.RideID] {
				return fmt.Errorf("route: waypoint %d: duplicate pickup for ride %s", i, w.RideID)
			}
			picked[w.RideID] = true
		case models.WaypointDropoff:
			if !picked[w.RideID] {
				return fmt.Errorf("route: waypoint %d: dropoff before pickup for ride %s", i, w.RideID)
			}
			if dropped[w.RideID] {
				return fmt.Errorf("route: waypoint %d: duplicate dropoff for ride %s", i, w.RideID)
			}
			dropped[w.RideID] = true
		default:
			return fmt.Errorf("route: waypoint %d: unknown kind %q", i, w.Kind)
		}
	}
	for id := range picked {
		if !dropped[id] {
			return fmt.Errorf("route: ride %s is never dropped off", id)
		}
	}
	return nil
}
