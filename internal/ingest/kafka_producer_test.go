package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-pooling/internal/models"
)

func TestEventKeyGroupsNearbyPickups(t *testing.T) {
	a := models.Event{RideID: "a", Pickup: models.Coordinate{Lon: 77.7064, Lat: 13.1986}}
	b := models.Event{RideID: "b", Pickup: models.Coordinate{Lon: 77.7070, Lat: 13.1990}}
	far := models.Event{RideID: "c", Pickup: models.Coordinate{Lon: 77.5946, Lat: 12.9716}}

	assert.Len(t, EventKey(a), PartitionCellPrecision)
	assert.Equal(t, EventKey(a), EventKey(b))
	assert.NotEqual(t, EventKey(a), EventKey(far))
}

func TestEventKeyFallsBackToIDs(t *testing.T) {
	assert.Equal(t, "pool-1", EventKey(models.Event{PoolID: "pool-1", RideID: "r"}))
	assert.Equal(t, "r", EventKey(models.Event{RideID: "r"}))
}
