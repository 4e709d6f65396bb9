package route

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

var (
	airport  = models.Coordinate{Lon: 77.7064, Lat: 13.1986}
	downtown = models.Coordinate{Lon: 77.5946, Lat: 12.9716}
	fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func newOptimizer() *Optimizer {
	o := NewOptimizer(0)
	o.Now = func() time.Time { return fixedNow }
	return o
}

func mkRide(id string, pickup, dropoff models.Coordinate) *models.RideRequest {
	return &models.RideRequest{
		ID:         id,
		Pickup:     models.Location{Coordinate: pickup},
		Dropoff:    models.Location{Coordinate: dropoff},
		Passengers: 1,
	}
}

func poolOf(rides ...*models.RideRequest) (*models.PoolGroup, map[string]*models.RideRequest) {
	p := models.NewPoolGroup("pool-1", fixedNow)
	byID := make(map[string]*models.RideRequest, len(rides))
	for _, r := range rides {
		p.RideIDs = append(p.RideIDs, r.ID)
		byID[r.ID] = r
	}
	return p, byID
}

func TestOptimizeSingleRideKeepsOrder(t *testing.T) {
	p, rides := poolOf(mkRide("a", airport, downtown))
	rt, err := newOptimizer().Optimize(p, rides)
	require.NoError(t, err)
	require.Len(t, rt.Waypoints, 2)
	assert.Equal(t, models.WaypointPickup, rt.Waypoints[0].Kind)
	assert.Equal(t, 1, rt.Waypoints[0].Priority)
	assert.Equal(t, models.WaypointDropoff, rt.Waypoints[1].Kind)
	assert.Equal(t, 2, rt.Waypoints[1].Priority)

	d := geo.DistanceKm(airport, downtown)
	assert.InDelta(t, d, rt.TotalDistanceKm, 0.01)
	assert.InDelta(t, d/40*60, rt.TotalDurationMin, 0.01)
	assert.Equal(t, fixedNow, rt.Waypoints[0].EstimatedAt)
	assert.True(t, rt.Waypoints[1].EstimatedAt.After(fixedNow))
}

func TestOptimizeRespectsPickupBeforeDropoff(t *testing.T) {
	// b's pickup is next to a's dropoff, so the greedy pass is tempted to
	// visit b's dropoff first if precedence were ignored.
	a := mkRide("a", airport, downtown)
	b := mkRide("b", geo.DestinationPoint(downtown, 0.5, 0), geo.DestinationPoint(airport, 0.5, 0))
	c := mkRide("c", geo.DestinationPoint(airport, 1, 90), geo.DestinationPoint(downtown, 1, 90))

	perms := [][]*models.RideRequest{{a, b, c}, {b, c, a}, {c, a, b}, {c, b, a}}
	for _, perm := range perms {
		p, rides := poolOf(perm...)
		rt, err := newOptimizer().Optimize(p, rides)
		require.NoError(t, err)
		require.Len(t, rt.Waypoints, 6)
		assert.NoError(t, ValidateSequence(rt.Waypoints))
		assert.Equal(t, perm[0].ID, rt.Waypoints[0].RideID)
		assert.Equal(t, models.WaypointPickup, rt.Waypoints[0].Kind)
		for i, w := range rt.Waypoints {
			assert.Equal(t, i+1, w.Sequence)
		}
	}
}

func TestOptimizeTotalsMatchWaypoints(t *testing.T) {
	a := mkRide("a", airport, downtown)
	b := mkRide("b", geo.DestinationPoint(airport, 1, 180), geo.DestinationPoint(downtown, 1, 270))
	p, rides := poolOf(a, b)

	rt, err := newOptimizer().Optimize(p, rides)
	require.NoError(t, err)

	sum := 0.0
	for i := 1; i < len(rt.Waypoints); i++ {
		sum += geo.DistanceKm(rt.Waypoints[i-1].Location, rt.Waypoints[i].Location)
	}
	assert.InDelta(t, sum, rt.TotalDistanceKm, 0.01)
	assert.InDelta(t, rt.TotalDistanceKm/40*60, rt.TotalDurationMin, 0.02)

	last := rt.Waypoints[len(rt.Waypoints)-1].EstimatedAt
	assert.InDelta(t, rt.TotalDurationMin, last.Sub(fixedNow).Minutes(), 0.02)
	for i := 1; i < len(rt.Waypoints); i++ {
		assert.False(t, rt.Waypoints[i].EstimatedAt.Before(rt.Waypoints[i-1].EstimatedAt))
	}
}

func TestOptimizeIsDeterministic(t *testing.T) {
	a := mkRide("a", airport, downtown)
	b := mkRide("b", geo.DestinationPoint(airport, 1, 180), geo.DestinationPoint(downtown, 1, 270))
	c := mkRide("c", geo.DestinationPoint(airport, 0.7, 45), geo.DestinationPoint(downtown, 2, 0))
	p, rides := poolOf(a, b, c)

	first, err := newOptimizer().Optimize(p, rides)
	require.NoError(t, err)
	second, err := newOptimizer().Optimize(p, rides)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOptimizeMissingMember(t *testing.T) {
	p, rides := poolOf(mkRide("a", airport, downtown))
	p.RideIDs = append(p.RideIDs, "ghost")
	_, err := newOptimizer().Optimize(p, rides)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestValidateSequence(t *testing.T) {
	wp := func(id string, k models.WaypointKind) models.Waypoint { return models.Waypoint{RideID: id, Kind: k} }
	ok := []models.Waypoint{wp("a", models.WaypointPickup), wp("b", models.WaypointPickup), wp("a", models.WaypointDropoff), wp("b", models.WaypointDropoff)}
	assert.NoError(t, ValidateSequence(ok))

	assert.Error(t, ValidateSequence([]models.Waypoint{wp("a", models.WaypointDropoff), wp("a", models.WaypointPickup)}))
	assert.Error(t, ValidateSequence([]models.Waypoint{wp("a", models.WaypointPickup)}))
	assert.Error(t, ValidateSequence([]models.Waypoint{wp("a", models.WaypointPickup), wp("a", models.WaypointPickup)}))
}
