package pooling

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/example/ride-pooling/internal/lock"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
	"github.com/example/ride-pooling/internal/pricing"
)

// UpdatePoolStatus moves a pool along its lifecycle and carries the member
// rides with it.
func (s *Service) UpdatePoolStatus(ctx context.Context, id string, to models.PoolStatus) (*models.PoolGroup, error) {
	pg, err := s.pools.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := lock.LockRidesThenPools(ctx, s.locker, pg.RideIDs, []string{pg.ID})
	if err != nil {
		return nil, err
	}
	defer unlock()

	fresh, err := s.pools.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(fresh.RideIDs, pg.RideIDs) {
		return nil, fmt.Errorf("pool %s membership changed: %w", id, models.ErrConflict)
	}
	pg = fresh
	if !models.CanTransition(pg.Status, to) {
		return nil, fmt.Errorf("pool %s from %s to %s: %w", pg.ID, pg.Status, to, models.ErrInvalidTransition)
	}

	now := s.now()
	var patch models.RidePatch
	switch to {
	case models.PoolReady:
		st := models.RideAssigned
		patch.Status = &st
	case models.PoolInProgress:
		pg.StartedAt = &now
	case models.PoolCompleted:
		pg.CompletedAt = &now
		st := models.RideCompleted
		patch.Status = &st
	case models.PoolCancelled:
		st := models.RidePending
		patch = models.RidePatch{Status: &st, ClearPool: true}
	}
	pg.Status = to
	if err := s.pools.Save(ctx, pg); err != nil {
		return nil, err
	}
	if patch != (models.RidePatch{}) {
		if err := s.rides.UpdateMany(ctx, pg.RideIDs, patch); err != nil {
			return nil, fmt.Errorf("pool %s to %s: update rides: %w", pg.ID, to, err)
		}
	}
	switch to {
	case models.PoolCompleted:
		s.captureHolds(ctx, pg)
	case models.PoolCancelled:
		for _, id := range pg.RideIDs {
			if r, err := s.rides.Get(ctx, id); err == nil {
				s.publish(ctx, rideEvent(models.EventRideReleased, r))
			}
		}
	}

	s.publish(ctx, poolEvent(pg))
	s.notifyMembers(ctx, pg, models.EventPoolUpdated)
	s.logger.Info("pool status changed", "pool_id", pg.ID, "status", to)
	return pg, nil
}

func (s *Service) captureHolds(ctx context.Context, pg *models.PoolGroup) {
	if s.payments == nil {
		return
	}
	for _, id := range pg.RideIDs {
		r, err := s.rides.Get(ctx, id)
		if err != nil || r.PaymentHoldID == "" {
			continue
		}
		held := r.HeldCents
		if held == 0 {
			held = pricing.Cents(r.EstimatedPrice)
		}
		amount := held
		if share, ok := pg.Pricing.ShareFor(id); ok {
			amount = pricing.Cents(share.Price)
		}
		if amount > held {
			// A capture cannot exceed the authorisation.
			s.logger.Warn("pooled fare above held amount", "ride_id", id, "hold_id", r.PaymentHoldID, "fare_cents", amount, "held_cents", held)
			amount = held
		}
		if err := s.payments.Capture(ctx, r.PaymentHoldID, amount); err != nil {
			s.logger.Error("capture payment", "ride_id", id, "hold_id", r.PaymentHoldID, "err", err)
		}
	}
}

// ExpireStale moves rides pending for longer than the TTL to expired and
// returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.PendingTTL)
	stale, err := s.rides.ListPendingBefore(ctx, cutoff, s.cfg.ExpiryBatch)
	if err != nil {
		return 0, fmt.Errorf("expire: %w", err)
	}
	n := 0
	for _, r := range stale {
		ok, err := s.expireOne(ctx, r.ID, cutoff)
		if err != nil {
			s.logger.Error("expire ride", "ride_id", r.ID, "err", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Service) expireOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock, err := lock.LockRidesThenPools(ctx, s.locker, []string{id}, nil)
	if err != nil {
		return false, err
	}
	defer unlock()

	r, err := s.rides.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != models.RidePending || !r.RequestedAt.Before(cutoff) {
		return false, nil
	}
	r.Status = models.RideExpired
	if err := s.rides.Save(ctx, r); err != nil {
		return false, err
	}
	observability.RidesExpired.Inc()
	s.releaseHold(ctx, r)
	s.publish(ctx, rideEvent(models.EventRideExpired, r))
	s.notify(r.RiderID, Update{Type: models.EventRideExpired, RideID: r.ID, Status: string(r.Status)})
	return true, nil
}

// RunExpiry sweeps stale rides every interval until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.ExpireStale(ctx)
			if err != nil {
				s.logger.Error("expiry sweep", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired pending rides", "count", n)
			}
		}
	}
}

// HoldPayment authorises the ride's fare. It is idempotent per ride. The
// provider is called without the ride lock held, so the ride is re-read
// before the hold is recorded and only the hold fields are written.
func (s *Service) HoldPayment(ctx context.Context, rideID, riderID string) (*models.RideRequest, error) {
	if s.payments == nil {
		return nil, ErrPaymentsDisabled
	}
	r, err := s.holdable(ctx, rideID, riderID)
	if err != nil || r.PaymentHoldID != "" {
		return r, err
	}
	amount := holdAmount(r)
	holdID, err := s.payments.Hold(ctx, r.ID, r.RiderID, amount, pricing.Currency)
	if err != nil {
		return nil, fmt.Errorf("hold payment for ride %s: %w", r.ID, err)
	}

	unlock, err := lock.LockRidesThenPools(ctx, s.locker, []string{rideID}, nil)
	if err != nil {
		s.cancelHold(ctx, rideID, holdID)
		return nil, err
	}
	defer unlock()

	r, err = s.rides.Get(ctx, rideID)
	if err != nil {
		s.cancelHold(ctx, rideID, holdID)
		return nil, err
	}
	if r.Status.Terminal() {
		s.cancelHold(ctx, rideID, holdID)
		return nil, fmt.Errorf("hold payment for ride %s in status %s: %w", r.ID, r.Status, models.ErrInvalidTransition)
	}
	if r.PaymentHoldID != "" {
		// A concurrent call won.
		s.cancelHold(ctx, rideID, holdID)
		return r, nil
	}
	if err := s.rides.UpdateMany(ctx, []string{r.ID}, models.RidePatch{PaymentHoldID: &holdID, HeldCents: &amount}); err != nil {
		s.cancelHold(ctx, rideID, holdID)
		return nil, err
	}
	s.logger.Info("payment held", "ride_id", r.ID, "hold_id", holdID, "amount_cents", amount)
	return s.rides.Get(ctx, rideID)
}

// holdable checks ownership and status under the ride lock.
func (s *Service) holdable(ctx context.Context, rideID, riderID string) (*models.RideRequest, error) {
	unlock, err := lock.LockRidesThenPools(ctx, s.locker, []string{rideID}, nil)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.RiderID != riderID {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("hold payment for ride %s in status %s: %w", r.ID, r.Status, models.ErrInvalidTransition)
	}
	return r, nil
}

// holdAmount covers the larger of the solo estimate and the pooled share.
func holdAmount(r *models.RideRequest) int64 {
	amount := r.EstimatedPrice
	if r.FinalPrice != nil && *r.FinalPrice > amount {
		amount = *r.FinalPrice
	}
	return pricing.Cents(amount)
}

func (s *Service) cancelHold(ctx context.Context, rideID, holdID string) {
	if err := s.payments.Cancel(ctx, holdID); err != nil {
		s.logger.Error("cancel payment hold", "ride_id", rideID, "hold_id", holdID, "err", err)
	}
}

func (s *Service) releaseHold(ctx context.Context, r *models.RideRequest) {
	if s.payments == nil || r.PaymentHoldID == "" {
		return
	}
	s.cancelHold(ctx, r.ID, r.PaymentHoldID)
}

// Update is the message pushed to riders over the websocket.
type Update struct {
	Type   string   `json:"type"`
	RideID string   `json:"ride_id"`
	PoolID string   `json:"pool_id,omitempty"`
	Status string   `json:"status"`
	Price  *float64 `json:"price,omitempty"`
}

func (s *Service) notify(riderID string, u Update) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(riderID, u); err != nil {
		s.logger.Debug("notify rider", "rider_id", riderID, "type", u.Type, "err", err)
	}
}

func (s *Service) notifyMembers(ctx context.Context, pg *models.PoolGroup, typ string) {
	if s.notifier == nil {
		return
	}
	for _, id := range pg.RideIDs {
		r, err := s.rides.Get(ctx, id)
		if err != nil {
			continue
		}
		u := Update{Type: typ, RideID: id, PoolID: pg.ID, Status: string(r.Status)}
		if share, ok := pg.Pricing.ShareFor(id); ok {
			price := share.Price
			u.Price = &price
		}
		s.notify(r.RiderID, u)
	}
}

func (s *Service) publish(ctx context.Context, ev models.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		observability.EventPublishErrors.Inc()
		s.logger.Warn("publish event", "type", ev.Type, "ride_id", ev.RideID, "pool_id", ev.PoolID, "err", err)
	}
}

func rideEvent(typ string, r *models.RideRequest) models.Event {
	return models.Event{
		Type:         typ,
		RideID:       r.ID,
		PoolID:       r.PoolGroupID,
		RiderID:      r.RiderID,
		Status:       string(r.Status),
		Pickup:       r.Pickup.Coordinate,
		AllowSharing: r.Preferences.AllowSharing,
		At:           time.Now().UTC(),
	}
}

func poolEvent(pg *models.PoolGroup) models.Event {
	return models.Event{Type: models.EventPoolUpdated, PoolID: pg.ID, Status: string(pg.Status), At: time.Now().UTC()}
}
