package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

var (
	airport = models.Coordinate{Lon: 77.7064, Lat: 13.1986}
	t0      = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func pendingRide(id string, pickup models.Coordinate) *models.RideRequest {
	return &models.RideRequest{
		ID:          id,
		RiderID:     "rider-" + id,
		Pickup:      models.Location{Coordinate: pickup},
		Dropoff:     models.Location{Coordinate: models.Coordinate{Lon: 77.5946, Lat: 12.9716}},
		Passengers:  1,
		Preferences: models.Preferences{AllowSharing: true},
		Status:      models.RidePending,
		RequestedAt: t0,
	}
}

func TestFindNearbyPendingFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.Save(ctx, pendingRide("self", airport)))
	require.NoError(t, s.Save(ctx, pendingRide("far", geo.DestinationPoint(airport, 3, 0))))
	require.NoError(t, s.Save(ctx, pendingRide("near", geo.DestinationPoint(airport, 0.5, 90))))
	require.NoError(t, s.Save(ctx, pendingRide("outside", geo.DestinationPoint(airport, 15, 0))))

	private := pendingRide("private", airport)
	private.Preferences.AllowSharing = false
	require.NoError(t, s.Save(ctx, private))

	matched := pendingRide("matched", airport)
	matched.Status = models.RideMatched
	require.NoError(t, s.Save(ctx, matched))

	got, err := s.FindNearbyPending(ctx, airport, 10, "self", 20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ID)
	assert.Equal(t, "far", got[1].ID)

	got, err = s.FindNearbyPending(ctx, airport, 10, "self", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ID)
}

func TestSaveAndGetAreIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	r := pendingRide("a", airport)
	require.NoError(t, s.Save(ctx, r))

	r.Status = models.RideCancelled
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.RidePending, got.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.Save(ctx, pendingRide("a", airport)))
	require.NoError(t, s.Save(ctx, pendingRide("b", airport)))

	status := models.RideMatched
	poolID := "pool-1"
	err := s.UpdateMany(ctx, []string{"a", "ghost"}, models.RidePatch{Status: &status, PoolGroupID: &poolID})
	assert.ErrorIs(t, err, models.ErrNotFound)
	a, _ := s.Get(ctx, "a")
	assert.Equal(t, models.RidePending, a.Status)

	require.NoError(t, s.UpdateMany(ctx, []string{"a", "b"}, models.RidePatch{Status: &status, PoolGroupID: &poolID}))
	a, _ = s.Get(ctx, "a")
	assert.Equal(t, models.RideMatched, a.Status)
	assert.Equal(t, "pool-1", a.PoolGroupID)

	// Matched rides leave the pending index.
	got, err := s.FindNearbyPending(ctx, airport, 5, "", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	pending := models.RidePending
	require.NoError(t, s.UpdateMany(ctx, []string{"b"}, models.RidePatch{Status: &pending, ClearPool: true}))
	got, err = s.FindNearbyPending(ctx, airport, 5, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.Empty(t, got[0].PoolGroupID)
}

func TestListByRiderPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	for i := 0; i < 5; i++ {
		r := pendingRide(fmt.Sprintf("r%d", i), airport)
		r.RiderID = "alice"
		r.RequestedAt = t0.Add(time.Duration(i) * time.Minute)
		if i == 4 {
			r.Status = models.RideCancelled
		}
		require.NoError(t, s.Save(ctx, r))
	}
	require.NoError(t, s.Save(ctx, pendingRide("other", airport)))

	got, total, err := s.List(ctx, RideFilter{RiderID: "alice", Page: Page{Page: 1, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, got, 2)
	assert.Equal(t, "r4", got[0].ID)
	assert.Equal(t, "r3", got[1].ID)

	got, total, err = s.List(ctx, RideFilter{RiderID: "alice", Status: models.RidePending, Page: Page{Page: 2, Limit: 3}})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, got, 1)
	assert.Equal(t, "r0", got[0].ID)

	got, _, err = s.List(ctx, RideFilter{RiderID: "alice", Page: Page{Page: 9}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListPendingBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	old := pendingRide("old", airport)
	old.RequestedAt = t0.Add(-time.Hour)
	require.NoError(t, s.Save(ctx, old))
	require.NoError(t, s.Save(ctx, pendingRide("fresh", airport)))

	got, err := s.ListPendingBefore(ctx, t0.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestPoolSaveIsOptimistic(t *testing.T) {
	ctx := context.Background()
	pools := NewMemoryStore(nil).Pools()

	p := models.NewPoolGroup("p1", t0)
	require.NoError(t, p.AddRide("a", 1, 0))
	require.NoError(t, pools.Save(ctx, p))
	assert.Equal(t, 1, p.Version)

	first, err := pools.Get(ctx, "p1")
	require.NoError(t, err)
	second, err := pools.Get(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, first.AddRide("b", 1, 0))
	require.NoError(t, pools.Save(ctx, first))

	require.NoError(t, second.AddRide("c", 1, 0))
	assert.ErrorIs(t, pools.Save(ctx, second), models.ErrConflict)

	stored, _ := pools.Get(ctx, "p1")
	assert.Equal(t, []string{"a", "b"}, stored.RideIDs)
	assert.Equal(t, 2, stored.Version)

	dup := models.NewPoolGroup("p1", t0)
	assert.ErrorIs(t, pools.Save(ctx, dup), models.ErrConflict)
}

func TestFindFormingAndStats(t *testing.T) {
	ctx := context.Background()
	pools := NewMemoryStore(nil).Pools()

	open := models.NewPoolGroup("open", t0)
	require.NoError(t, open.AddRide("a", 1, 0))
	require.NoError(t, open.AddRide("b", 1, 0))
	open.Route.TotalDistanceKm = 12.5
	require.NoError(t, pools.Save(ctx, open))

	full := models.NewPoolGroup("full", t0.Add(time.Minute))
	require.NoError(t, full.AddRide("c", 2, 0))
	require.NoError(t, full.AddRide("d", 2, 0))
	require.NoError(t, pools.Save(ctx, full))

	done := models.NewPoolGroup("done", t0.Add(2*time.Minute))
	require.NoError(t, done.AddRide("e", 1, 0))
	require.NoError(t, done.AddRide("f", 1, 0))
	require.NoError(t, done.AddRide("g", 1, 0))
	done.Status = models.PoolCompleted
	done.Route.TotalDistanceKm = 30
	require.NoError(t, pools.Save(ctx, done))

	forming, err := pools.FindForming(ctx)
	require.NoError(t, err)
	require.Len(t, forming, 1)
	assert.Equal(t, "open", forming[0].ID)

	stats, err := pools.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalPools)
	assert.Equal(t, 2, stats.ActivePools)
	require.Len(t, stats.ByStatus, 2)
	assert.Equal(t, StatusStats{Status: models.PoolCompleted, Count: 1, AvgRides: 3, TotalDistanceKm: 30}, stats.ByStatus[0])
	assert.Equal(t, StatusStats{Status: models.PoolForming, Count: 2, AvgRides: 2, TotalDistanceKm: 12.5}, stats.ByStatus[1])

	list, total, err := pools.List(ctx, PoolFilter{Status: models.PoolForming})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "full", list[0].ID)
}

func TestRiderPreferences(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	_, ok, err := s.GetPreferences(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	want := models.Preferences{MaxDetourKm: 2, AllowSharing: false}
	require.NoError(t, s.SavePreferences(ctx, "alice", want))
	got, ok, err := s.GetPreferences(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestUpdateManyRecordsPaymentHold(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.Save(ctx, pendingRide("a", airport)))

	hold, cents := "pi_a", int64(1250)
	require.NoError(t, s.UpdateMany(ctx, []string{"a"}, models.RidePatch{PaymentHoldID: &hold, HeldCents: &cents}))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, hold, got.PaymentHoldID)
	assert.Equal(t, cents, got.HeldCents)
	assert.Equal(t, models.RidePending, got.Status)
}
