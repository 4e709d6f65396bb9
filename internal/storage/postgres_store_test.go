package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

// These run against a migrated database, e.g. the docker compose one.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresRideRoundTripAndNearby(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgres(t)

	a := pendingRide(uuid.NewString(), airport)
	b := pendingRide(uuid.NewString(), geo.DestinationPoint(airport, 0.4, 90))
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Pickup.Coordinate, got.Pickup.Coordinate)
	assert.True(t, got.Preferences.AllowSharing)

	near, err := s.FindNearbyPending(ctx, airport, 2, a.ID, 50)
	require.NoError(t, err)
	ids := make([]string, 0, len(near))
	for _, r := range near {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, b.ID)
	assert.NotContains(t, ids, a.ID)

	status := models.RideMatched
	pool := uuid.NewString()
	require.NoError(t, s.UpdateMany(ctx, []string{a.ID, b.ID}, models.RidePatch{Status: &status, PoolGroupID: &pool}))
	got, err = s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, pool, got.PoolGroupID)

	err = s.UpdateMany(ctx, []string{a.ID, uuid.NewString()}, models.RidePatch{Status: &status})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresPoolVersioning(t *testing.T) {
	ctx := context.Background()
	pools := newTestPostgres(t).Pools()

	p := models.NewPoolGroup(uuid.NewString(), t0)
	require.NoError(t, p.AddRide("a", 1, 1))
	require.NoError(t, p.AddRide("b", 2, 0))
	require.NoError(t, pools.Save(ctx, p))

	stale, err := pools.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stale.RideIDs)
	assert.Equal(t, 3, stale.Capacity.Passengers.Current)

	p.Status = models.PoolReady
	require.NoError(t, pools.Save(ctx, p))
	assert.ErrorIs(t, pools.Save(ctx, stale), models.ErrConflict)
}

func TestPostgresHoldsAndRiderPreferences(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgres(t)

	r := pendingRide(uuid.NewString(), airport)
	require.NoError(t, s.Save(ctx, r))
	hold, cents := "pi_"+r.ID, int64(1999)
	require.NoError(t, s.UpdateMany(ctx, []string{r.ID}, models.RidePatch{PaymentHoldID: &hold, HeldCents: &cents}))
	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, hold, got.PaymentHoldID)
	assert.Equal(t, cents, got.HeldCents)

	rider := uuid.NewString()
	_, ok, err := s.GetPreferences(ctx, rider)
	require.NoError(t, err)
	assert.False(t, ok)
	want := models.Preferences{MaxDetourKm: 1.5, AllowSharing: true}
	require.NoError(t, s.SavePreferences(ctx, rider, want))
	prefs, ok, err := s.GetPreferences(ctx, rider)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, prefs)
}
