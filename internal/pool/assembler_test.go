package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/storage"
)

var (
	airport  = models.Coordinate{Lon: 77.7064, Lat: 13.1986}
	downtown = models.Coordinate{Lon: 77.5946, Lat: 12.9716}
	t0       = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	store *storage.MemoryStore
	pools *storage.MemoryPools
	asm   *Assembler
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(nil)}
	f.pools = f.store.Pools()
	f.asm = NewAssembler(f.store, f.pools, nil)
	f.asm.NewID = func() string {
		f.seq++
		return fmt.Sprintf("pool-%d", f.seq)
	}
	f.asm.Now = func() time.Time { return t0 }
	return f
}

func (f *fixture) ride(t *testing.T, id string, passengers, luggage int) *models.RideRequest {
	t.Helper()
	r := &models.RideRequest{
		ID:          id,
		RiderID:     "rider-" + id,
		Pickup:      models.Location{Coordinate: airport},
		Dropoff:     models.Location{Coordinate: downtown},
		Passengers:  passengers,
		Luggage:     luggage,
		Preferences: models.Preferences{AllowSharing: true},
		Status:      models.RidePending,
		RequestedAt: t0,
	}
	require.NoError(t, f.store.Save(context.Background(), r))
	return r
}

func (f *fixture) get(t *testing.T, id string) *models.RideRequest {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestAssembleCreatesPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.ride(t, "a", 1, 2)
	b := f.ride(t, "b", 2, 1)

	pg, err := f.asm.Assemble(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, "pool-1", pg.ID)
	assert.Equal(t, models.PoolForming, pg.Status)
	assert.Equal(t, []string{"a", "b"}, pg.RideIDs)
	assert.Equal(t, models.Counter{Current: 3, Max: 4}, pg.Capacity.Passengers)
	assert.Equal(t, models.Counter{Current: 3, Max: 8}, pg.Capacity.Luggage)

	for _, id := range []string{"a", "b"} {
		r := f.get(t, id)
		assert.Equal(t, models.RideMatched, r.Status)
		assert.Equal(t, "pool-1", r.PoolGroupID)
	}
	assert.Equal(t, "pool-1", a.PoolGroupID)
}

func TestAssembleRejectsOverCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.ride(t, "a", 3, 0)
	b := f.ride(t, "b", 2, 0)

	_, err := f.asm.Assemble(ctx, a, b)
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	_, total, err := f.pools.List(ctx, storage.PoolFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Equal(t, models.RidePending, f.get(t, "a").Status)
}

func TestAssembleReusesFormingPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.ride(t, "a", 1, 0)
	b := f.ride(t, "b", 1, 0)
	first, err := f.asm.Assemble(ctx, a, b)
	require.NoError(t, err)

	c := f.ride(t, "c", 1, 0)
	joined, err := f.asm.Assemble(ctx, c, f.get(t, "b"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, joined.ID)
	assert.Equal(t, []string{"a", "b", "c"}, joined.RideIDs)
	assert.Equal(t, 3, joined.Capacity.Passengers.Current)
	assert.Equal(t, first.ID, f.get(t, "c").PoolGroupID)
}

func TestAssembleDoesNotMoveRideOutOfFullPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.asm.Assemble(ctx, f.ride(t, "a", 2, 0), f.ride(t, "b", 2, 0))
	require.NoError(t, err)

	_, err = f.asm.Assemble(ctx, f.ride(t, "c", 1, 0), f.get(t, "b"))
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.Equal(t, models.RidePending, f.get(t, "c").Status)
}

type failingRides struct {
	storage.RideStore
}

func (failingRides) UpdateMany(context.Context, []string, models.RidePatch) error {
	return errors.New("db down")
}

func TestAssembleCompensatesWhenRideUpdateFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.asm.rides = failingRides{f.store}

	_, err := f.asm.Assemble(ctx, f.ride(t, "a", 1, 0), f.ride(t, "b", 1, 0))
	require.Error(t, err)

	pg, err := f.pools.Get(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, models.PoolCancelled, pg.Status)
}

func (f *fixture) poolOf(t *testing.T, ids ...string) *models.PoolGroup {
	t.Helper()
	ctx := context.Background()
	rides := make([]*models.RideRequest, 0, len(ids))
	for _, id := range ids {
		rides = append(rides, f.ride(t, id, 1, 1))
	}
	pg, err := f.asm.Assemble(ctx, rides[0], rides[1])
	require.NoError(t, err)
	for _, r := range rides[2:] {
		pg, err = f.asm.Assemble(ctx, r, f.get(t, rides[0].ID))
		require.NoError(t, err)
	}
	stored, err := f.pools.Get(ctx, pg.ID)
	require.NoError(t, err)
	return stored
}

func TestDetachRecomputesLargerPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pg := f.poolOf(t, "a", "b", "c")

	calls := 0
	res, err := f.asm.Detach(ctx, pg, f.get(t, "b"), func(_ context.Context, p *models.PoolGroup) error {
		calls++
		p.Route.TotalDistanceKm = 42
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, res.Released)

	stored, err := f.pools.Get(ctx, pg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, stored.RideIDs)
	assert.Equal(t, 2, stored.Capacity.Passengers.Current)
	assert.Equal(t, 2, stored.Capacity.Luggage.Current)
	assert.Equal(t, 42.0, stored.Route.TotalDistanceKm)
	assert.Equal(t, models.PoolForming, stored.Status)
}

func TestDetachSecondToLastReleasesSoleRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pg := f.poolOf(t, "a", "b")

	res, err := f.asm.Detach(ctx, pg, f.get(t, "a"), func(context.Context, *models.PoolGroup) error {
		t.Fatal("recompute must not run for a pool of one")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Released)

	stored, _ := f.pools.Get(ctx, pg.ID)
	assert.Equal(t, models.PoolCancelled, stored.Status)

	b := f.get(t, "b")
	assert.Equal(t, models.RidePending, b.Status)
	assert.Empty(t, b.PoolGroupID)
}

func TestDetachLastRideCancelsPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pg := models.NewPoolGroup("solo", t0)
	require.NoError(t, pg.AddRide("a", 1, 0))
	require.NoError(t, f.pools.Save(ctx, pg))

	res, err := f.asm.Detach(ctx, pg, f.ride(t, "a", 1, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, models.PoolCancelled, res.Pool.Status)
	assert.Zero(t, res.Pool.Capacity.Passengers.Current)
}

func TestDetachRecomputeFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pg := f.poolOf(t, "a", "b", "c")
	version := pg.Version

	boom := errors.New("pricing exploded")
	_, err := f.asm.Detach(ctx, pg, f.get(t, "c"), func(context.Context, *models.PoolGroup) error { return boom })
	assert.ErrorIs(t, err, boom)

	stored, _ := f.pools.Get(ctx, pg.ID)
	assert.Equal(t, version, stored.Version)
	assert.Equal(t, []string{"a", "b", "c"}, stored.RideIDs)
}

func TestDetachNonMember(t *testing.T) {
	f := newFixture(t)
	pg := f.poolOf(t, "a", "b")
	_, err := f.asm.Detach(context.Background(), pg, f.ride(t, "z", 1, 0), nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
