package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-pooling/internal/models"
)

func coord(lon, lat float64) models.Coordinate { return models.Coordinate{Lon: lon, Lat: lat} }

func TestDistanceKmOneDegreeOfLatitude(t *testing.T) {
	assert.Equal(t, 111.19, DistanceKm(coord(0, 0), coord(0, 1)))
}

func TestDistanceKmZeroForSamePoint(t *testing.T) {
	assert.Equal(t, 0.0, DistanceKm(coord(77.5946, 12.9716), coord(77.5946, 12.9716)))
}

func TestDistanceKmSymmetric(t *testing.T) {
	pairs := [][2]models.Coordinate{
		{coord(0, 0), coord(0, 1)},
		{coord(77.7064, 13.1986), coord(77.5946, 12.9716)},
		{coord(-74.0060, 40.7128), coord(-118.2437, 34.0522)},
		{coord(179.9, -10), coord(-179.9, 10)},
	}
	for _, p := range pairs {
		assert.Equal(t, DistanceKm(p[0], p[1]), DistanceKm(p[1], p[0]))
	}
}

func TestDistanceKmKnownCity(t *testing.T) {
	// New York to Los Angeles, ~3936 km great circle.
	d := DistanceKm(coord(-74.0060, 40.7128), coord(-118.2437, 34.0522))
	assert.InDelta(t, 3936, d, 15)
}

func TestBearingDegrees(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Coordinate
		want float64
	}{
		{"north", coord(0, 0), coord(0, 1), 0},
		{"east", coord(0, 0), coord(1, 0), 90},
		{"south", coord(0, 1), coord(0, 0), 180},
		{"west", coord(1, 0), coord(0, 0), 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BearingDegrees(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestDestinationPointRoundTrip(t *testing.T) {
	origin := coord(77.7064, 13.1986)
	for _, bearing := range []float64{30, 45, 90, 180, 270, 300} {
		p := DestinationPoint(origin, 5, bearing)
		assert.InDelta(t, 5, DistanceKm(origin, p), 0.02, "bearing %v", bearing)
		assert.InDelta(t, bearing, BearingDegrees(origin, p), 0.5, "bearing %v", bearing)
	}
}

func TestBoundingBoxContainsCircle(t *testing.T) {
	center := coord(77.5946, 12.9716)
	box := BoundingBox(center, 10)
	for _, bearing := range []float64{0, 90, 180, 270} {
		assert.True(t, box.Contains(DestinationPoint(center, 9.9, bearing)), "bearing %v", bearing)
	}
	assert.False(t, box.Contains(DestinationPoint(center, 20, 0)))
}

func TestBoundingBoxNearPoleIsClamped(t *testing.T) {
	box := BoundingBox(coord(10, 89.99), 50)
	assert.Equal(t, 90.0, box.MaxLat)
	assert.GreaterOrEqual(t, box.MinLon, -180.0)
	assert.LessOrEqual(t, box.MaxLon, 180.0)
}

func TestIsValidCoordinate(t *testing.T) {
	assert.True(t, IsValidCoordinate(coord(180, -90)))
	assert.True(t, IsValidCoordinate(coord(-180, 90)))
	assert.False(t, IsValidCoordinate(coord(180.01, 0)))
	assert.False(t, IsValidCoordinate(coord(0, -90.5)))
	assert.False(t, IsValidCoordinate(coord(math.NaN(), 0)))

	err := Validate(coord(0, 0), coord(200, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidCoordinate))
}

func TestRouteDistance(t *testing.T) {
	assert.Equal(t, 0.0, RouteDistance(nil))
	assert.Equal(t, 0.0, RouteDistance([]models.Coordinate{coord(1, 1)}))
	got := RouteDistance([]models.Coordinate{coord(0, 0), coord(0, 1), coord(0, 2)})
	assert.InDelta(t, 222.38, got, 0.001)
}

func TestCenterPoint(t *testing.T) {
	assert.Equal(t, coord(0, 0), CenterPoint(nil))
	assert.Equal(t, coord(1, 2), CenterPoint([]models.Coordinate{coord(1, 2)}))
	assert.Equal(t, coord(1, 1), CenterPoint([]models.Coordinate{coord(0, 0), coord(2, 2)}))
}

func TestIndexNearbyOrderedAndBounded(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	origin := coord(77.7064, 13.1986)
	require.NoError(t, idx.Upsert(ctx, "far", DestinationPoint(origin, 8, 90)))
	require.NoError(t, idx.Upsert(ctx, "near", DestinationPoint(origin, 1, 0)))
	require.NoError(t, idx.Upsert(ctx, "mid", DestinationPoint(origin, 4, 200)))
	require.NoError(t, idx.Upsert(ctx, "outside", DestinationPoint(origin, 25, 45)))

	hits, err := idx.Nearby(ctx, origin, 10, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "near", hits[0].ID)
	assert.Equal(t, "mid", hits[1].ID)
	assert.Equal(t, "far", hits[2].ID)

	hits, err = idx.Nearby(ctx, origin, 10, 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestIndexUpsertMovesAndRemoveForgets(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	origin := coord(0, 0)
	require.NoError(t, idx.Upsert(ctx, "r1", DestinationPoint(origin, 30, 0)))
	hits, _ := idx.Nearby(ctx, origin, 5, 10)
	assert.Empty(t, hits)

	require.NoError(t, idx.Upsert(ctx, "r1", DestinationPoint(origin, 1, 0)))
	hits, _ = idx.Nearby(ctx, origin, 5, 10)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, idx.Len())

	require.NoError(t, idx.Remove(ctx, "r1"))
	hits, _ = idx.Nearby(ctx, origin, 5, 10)
	assert.Empty(t, hits)
	assert.Equal(t, 0, idx.Len())
}
