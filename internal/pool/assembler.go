package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
	"github.com/example/ride-pooling/internal/storage"
)

// Assembler maintains pool membership. Callers hold the ride and pool
// locks for every ride and pool passed in.
type Assembler struct {
	rides  storage.RideStore
	pools  storage.PoolStore
	logger *slog.Logger

	NewID func() string
	Now   func() time.Time
}

func NewAssembler(rides storage.RideStore, pools storage.PoolStore, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		rides:  rides,
		pools:  pools,
		logger: logger,
		NewID:  uuid.NewString,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Assemble puts req and candidate in one pool. A forming pool that already
// holds either ride is reused when it can seat the other; otherwise a new
// pool of the two is created. Both rides end up matched to the pool.
func (a *Assembler) Assemble(ctx context.Context, req, candidate *models.RideRequest) (*models.PoolGroup, error) {
	pair := []*models.RideRequest{req, candidate}

	pg, err := a.reusable(ctx, pair)
	if err != nil {
		return nil, err
	}
	created := pg == nil
	if created {
		for _, r := range pair {
			if r.PoolGroupID != "" {
				return nil, fmt.Errorf("assemble: pool %s of ride %s cannot seat the pair: %w", r.PoolGroupID, r.ID, models.ErrCapacityExceeded)
			}
		}
		pg = models.NewPoolGroup(a.NewID(), a.Now())
	}

	var added []string
	for _, r := range pair {
		if pg.HasRide(r.ID) {
			continue
		}
		if err := pg.AddRide(r.ID, r.Passengers, r.Luggage); err != nil {
			return nil, err
		}
		added = append(added, r.ID)
	}

	if err := a.pools.Save(ctx, pg); err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}

	matched := models.RideMatched
	if err := a.rides.UpdateMany(ctx, added, models.RidePatch{Status: &matched, PoolGroupID: &pg.ID}); err != nil {
		a.compensate(ctx, pg, added, pair, created)
		return nil, fmt.Errorf("assemble: mark rides matched: %w", err)
	}
	for _, r := range pair {
		r.Status = models.RideMatched
		r.PoolGroupID = pg.ID
	}

	if created {
		observability.PoolsFormed.Inc()
		a.logger.Info("pool formed", "pool_id", pg.ID, "rides", pg.RideIDs)
	} else {
		observability.PoolsJoined.Inc()
		a.logger.Info("ride joined pool", "pool_id", pg.ID, "rides", added)
	}
	return pg, nil
}

// reusable returns a forming pool holding one of the rides that can seat
// the rest, or nil.
func (a *Assembler) reusable(ctx context.Context, pair []*models.RideRequest) (*models.PoolGroup, error) {
	forming, err := a.pools.FindForming(ctx)
	if err != nil {
		return nil, fmt.Errorf("assemble: find forming pools: %w", err)
	}
	for _, pg := range forming {
		member := false
		passengers, luggage := 0, 0
		for _, r := range pair {
			if pg.HasRide(r.ID) {
				member = true
				continue
			}
			passengers += r.Passengers
			luggage += r.Luggage
		}
		if member && pg.CanAccommodate(passengers, luggage) {
			return pg, nil
		}
	}
	return nil, nil
}

// compensate undoes the pool write after the ride update failed.
func (a *Assembler) compensate(ctx context.Context, pg *models.PoolGroup, added []string, pair []*models.RideRequest, created bool) {
	if created {
		pg.Status = models.PoolCancelled
	} else {
		for _, r := range pair {
			for _, id := range added {
				if r.ID == id {
					pg.RemoveRide(r.ID, r.Passengers, r.Luggage)
				}
			}
		}
	}
	if err := a.pools.Save(ctx, pg); err != nil {
		a.logger.Error("pool compensation failed", "pool_id", pg.ID, "err", err)
	}
}

// RecomputeFunc refreshes a pool's route and pricing in place.
type RecomputeFunc func(ctx context.Context, pg *models.PoolGroup) error

// DetachResult reports what a detach changed besides the pool itself.
type DetachResult struct {
	Pool *models.PoolGroup
	// Released is the ride returned to pending when only one member remained.
	Released string
}

// Detach removes ride from pg and applies the cascade: an empty pool is
// cancelled, a pool of one is cancelled and its last ride reverts to
// pending, otherwise recompute runs. A recompute error leaves the store
// untouched. The caller updates ride itself.
func (a *Assembler) Detach(ctx context.Context, pg *models.PoolGroup, ride *models.RideRequest, recompute RecomputeFunc) (DetachResult, error) {
	if !pg.RemoveRide(ride.ID, ride.Passengers, ride.Luggage) {
		return DetachResult{Pool: pg}, fmt.Errorf("detach ride %s from pool %s: %w", ride.ID, pg.ID, models.ErrNotFound)
	}

	var res DetachResult
	switch len(pg.RideIDs) {
	case 0:
		pg.Status = models.PoolCancelled
	case 1:
		pg.Status = models.PoolCancelled
		res.Released = pg.RideIDs[0]
	default:
		if recompute == nil {
			return res, errors.New("detach: recompute is required")
		}
		if err := recompute(ctx, pg); err != nil {
			observability.RecomputeFailures.Inc()
			return res, fmt.Errorf("detach ride %s from pool %s: %w", ride.ID, pg.ID, err)
		}
	}

	if err := a.pools.Save(ctx, pg); err != nil {
		return res, fmt.Errorf("detach: %w", err)
	}
	res.Pool = pg

	if res.Released != "" {
		pending := models.RidePending
		if err := a.rides.UpdateMany(ctx, []string{res.Released}, models.RidePatch{Status: &pending, ClearPool: true}); err != nil {
			return res, fmt.Errorf("detach: release ride %s: %w", res.Released, err)
		}
		a.logger.Info("pool dissolved", "pool_id", pg.ID, "released_ride", res.Released)
	}
	return res, nil
}
