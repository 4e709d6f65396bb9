package pooling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/lock"
	"github.com/example/ride-pooling/internal/matcher"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
	"github.com/example/ride-pooling/internal/pool"
	"github.com/example/ride-pooling/internal/pricing"
	"github.com/example/ride-pooling/internal/route"
	"github.com/example/ride-pooling/internal/storage"
)

// EventPublisher ships ride and pool state changes.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Notifier pushes messages to a connected rider.
type Notifier interface {
	Notify(riderID string, msg any) error
}

// Payments holds, captures and releases fares.
type Payments interface {
	Hold(ctx context.Context, rideID, riderID string, amountCents int64, currency string) (string, error)
	Capture(ctx context.Context, holdID string, amountCents int64) error
	Cancel(ctx context.Context, holdID string) error
}

var (
	ErrPaymentsDisabled    = errors.New("payments are not configured")
	ErrPreferencesDisabled = errors.New("rider preferences are not configured")
)

type Config struct {
	DefaultMaxDetourKm float64
	// PendingTTL is how long a ride may wait unmatched before it expires.
	PendingTTL  time.Duration
	ExpiryBatch int
}

func DefaultConfig() Config {
	return Config{DefaultMaxDetourKm: 5, PendingTTL: 30 * time.Minute, ExpiryBatch: 100}
}

// Deps wires a Service. RiderPrefs, Events, Notifier and Payments are
// optional.
type Deps struct {
	Rides      storage.RideStore
	Pools      storage.PoolStore
	RiderPrefs storage.RiderPreferenceStore
	Matcher    *matcher.Service
	Optimizer  *route.Optimizer
	Pricing    *pricing.Engine
	Locker     lock.Locker
	Events     EventPublisher
	Notifier   Notifier
	Payments   Payments
	Logger     *slog.Logger
	Config     Config
}

// Service runs the ride lifecycle: create and match, cancel, expire, and
// the pool status transitions.
type Service struct {
	rides      storage.RideStore
	pools      storage.PoolStore
	riderPrefs storage.RiderPreferenceStore
	matcher    *matcher.Service
	assembler  *pool.Assembler
	optimizer  *route.Optimizer
	pricing    *pricing.Engine
	locker     lock.Locker
	events     EventPublisher
	notifier   Notifier
	payments   Payments
	logger     *slog.Logger
	cfg        Config

	now func() time.Time
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locker == nil {
		d.Locker = lock.NewKeyedMutex()
	}
	if d.Optimizer == nil {
		d.Optimizer = route.NewOptimizer(route.DefaultSpeedKmh)
	}
	if d.Pricing == nil {
		d.Pricing = pricing.NewEngine(pricing.DefaultConfig())
	}
	if d.Matcher == nil {
		d.Matcher = matcher.NewService(d.Rides, matcher.DefaultConfig())
	}
	def := DefaultConfig()
	if d.Config.DefaultMaxDetourKm <= 0 {
		d.Config.DefaultMaxDetourKm = def.DefaultMaxDetourKm
	}
	if d.Config.PendingTTL <= 0 {
		d.Config.PendingTTL = def.PendingTTL
	}
	if d.Config.ExpiryBatch <= 0 {
		d.Config.ExpiryBatch = def.ExpiryBatch
	}
	return &Service{
		rides:      d.Rides,
		pools:      d.Pools,
		riderPrefs: d.RiderPrefs,
		matcher:    d.Matcher,
		assembler:  pool.NewAssembler(d.Rides, d.Pools, d.Logger),
		optimizer:  d.Optimizer,
		pricing:    d.Pricing,
		locker:     d.Locker,
		events:     d.Events,
		notifier:   d.Notifier,
		payments:   d.Payments,
		logger:     d.Logger,
		cfg:        d.Config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// PreferencesInput carries optional rider preferences; nil fields take the
// rider's stored defaults, then the system defaults.
type PreferencesInput struct {
	MaxDetourKm  *float64 `json:"max_detour_km,omitempty"`
	AllowSharing *bool    `json:"allow_sharing,omitempty"`
}

type NewRide struct {
	RiderID      string            `json:"-"`
	Pickup       models.Location   `json:"pickup"`
	Dropoff      models.Location   `json:"dropoff"`
	Passengers   int               `json:"passengers"`
	Luggage      int               `json:"luggage"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Preferences  *PreferencesInput `json:"preferences,omitempty"`
}

// Validate checks the request before anything is computed.
func (n NewRide) Validate() error {
	if n.RiderID == "" {
		return fmt.Errorf("rider id is required: %w", models.ErrInvalidRide)
	}
	if err := geo.Validate(n.Pickup.Coordinate, n.Dropoff.Coordinate); err != nil {
		return err
	}
	if n.Passengers < 1 || n.Passengers > models.MaxPoolPassengers {
		return fmt.Errorf("passengers %d not in [1, %d]: %w", n.Passengers, models.MaxPoolPassengers, models.ErrInvalidRide)
	}
	if n.Luggage < 0 || n.Luggage > models.MaxPoolLuggage {
		return fmt.Errorf("luggage %d not in [0, %d]: %w", n.Luggage, models.MaxPoolLuggage, models.ErrInvalidRide)
	}
	if p := n.Preferences; p != nil && p.MaxDetourKm != nil && *p.MaxDetourKm < 0 {
		return fmt.Errorf("max detour %.2f is negative: %w", *p.MaxDetourKm, models.ErrInvalidRide)
	}
	return nil
}

type MatchResult struct {
	Ride *models.RideRequest `json:"ride"`
	Pool *models.PoolGroup   `json:"pool"`
}

// CreateAndMatch stores a new ride and tries to pool it with the best
// compatible pending ride. Matching problems never fail the creation; the
// ride then stays pending and unpooled.
func (s *Service) CreateAndMatch(ctx context.Context, in NewRide) (MatchResult, error) {
	if err := in.Validate(); err != nil {
		return MatchResult{}, err
	}
	defaults, err := s.RiderPreferences(ctx, in.RiderID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("create ride: %w", err)
	}
	ride := s.buildRide(in, defaults)
	if err := s.rides.Save(ctx, ride); err != nil {
		return MatchResult{}, fmt.Errorf("create ride: %w", err)
	}
	s.publish(ctx, rideEvent(models.EventRideCreated, ride))
	s.logger.Info("ride created", "ride_id", ride.ID, "rider_id", ride.RiderID, "estimated_price", ride.EstimatedPrice)

	if !ride.Preferences.AllowSharing {
		observability.MatchAttempts.WithLabelValues(observability.OutcomeNotSharing).Inc()
		return MatchResult{Ride: ride}, nil
	}

	pg, outcome, err := s.match(ctx, ride)
	observability.MatchAttempts.WithLabelValues(outcome).Inc()
	if err != nil {
		s.logger.Error("matching failed", "ride_id", ride.ID, "err", err)
	}

	current, err := s.rides.Get(ctx, ride.ID)
	if err != nil {
		// The ride was stored; report what we have.
		s.logger.Warn("reload after match", "ride_id", ride.ID, "err", err)
		current = ride
	}
	return MatchResult{Ride: current, Pool: pg}, nil
}

func (s *Service) buildRide(in NewRide, prefs models.Preferences) *models.RideRequest {
	now := s.now()
	if p := in.Preferences; p != nil {
		if p.MaxDetourKm != nil && *p.MaxDetourKm > 0 {
			prefs.MaxDetourKm = *p.MaxDetourKm
		}
		if p.AllowSharing != nil {
			prefs.AllowSharing = *p.AllowSharing
		}
	}
	r := &models.RideRequest{
		ID:           uuid.NewString(),
		RiderID:      in.RiderID,
		Pickup:       in.Pickup,
		Dropoff:      in.Dropoff,
		Passengers:   in.Passengers,
		Luggage:      in.Luggage,
		Preferences:  prefs,
		Status:       models.RidePending,
		DistanceKm:   geo.DistanceKm(in.Pickup.Coordinate, in.Dropoff.Coordinate),
		RequestedAt:  now,
		ScheduledFor: in.ScheduledFor,
		UpdatedAt:    now,
	}
	r.EstimatedPrice = s.pricing.EstimateForRide(r)
	return r
}

// RiderPreferences returns the rider's defaults for new rides, with unset
// values filled from the system defaults.
func (s *Service) RiderPreferences(ctx context.Context, riderID string) (models.Preferences, error) {
	prefs := models.Preferences{MaxDetourKm: s.cfg.DefaultMaxDetourKm, AllowSharing: true}
	if s.riderPrefs == nil {
		return prefs, nil
	}
	stored, ok, err := s.riderPrefs.GetPreferences(ctx, riderID)
	if err != nil {
		return models.Preferences{}, err
	}
	if !ok {
		return prefs, nil
	}
	if stored.MaxDetourKm > 0 {
		prefs.MaxDetourKm = stored.MaxDetourKm
	}
	prefs.AllowSharing = stored.AllowSharing
	return prefs, nil
}

// SetRiderPreferences stores the rider's defaults. Nil fields keep the
// current value.
func (s *Service) SetRiderPreferences(ctx context.Context, riderID string, in PreferencesInput) (models.Preferences, error) {
	if s.riderPrefs == nil {
		return models.Preferences{}, ErrPreferencesDisabled
	}
	if in.MaxDetourKm != nil && *in.MaxDetourKm < 0 {
		return models.Preferences{}, fmt.Errorf("max detour %.2f is negative: %w", *in.MaxDetourKm, models.ErrInvalidRide)
	}
	prefs, err := s.RiderPreferences(ctx, riderID)
	if err != nil {
		return models.Preferences{}, err
	}
	if in.MaxDetourKm != nil && *in.MaxDetourKm > 0 {
		prefs.MaxDetourKm = *in.MaxDetourKm
	}
	if in.AllowSharing != nil {
		prefs.AllowSharing = *in.AllowSharing
	}
	if err := s.riderPrefs.SavePreferences(ctx, riderID, prefs); err != nil {
		return models.Preferences{}, err
	}
	s.logger.Info("rider preferences saved", "rider_id", riderID, "max_detour_km", prefs.MaxDetourKm, "allow_sharing", prefs.AllowSharing)
	return prefs, nil
}

// match pools ride with its best candidate. Only the top candidate is
// tried; if it was taken in the meantime the ride stays pending.
func (s *Service) match(ctx context.Context, ride *models.RideRequest) (*models.PoolGroup, string, error) {
	candidates, err := s.matcher.Search(ctx, ride)
	if err != nil {
		return nil, observability.OutcomeFailed, err
	}
	if len(candidates) == 0 {
		return nil, observability.OutcomeNoMatch, nil
	}
	best := candidates[0].Ride

	unlock, err := lock.LockRidesThenPools(ctx, s.locker, []string{ride.ID, best.ID}, nil)
	if err != nil {
		return nil, observability.OutcomeFailed, err
	}
	defer unlock()

	self, err := s.rides.Get(ctx, ride.ID)
	if err != nil {
		return nil, observability.OutcomeFailed, err
	}
	cand, err := s.rides.Get(ctx, best.ID)
	if err != nil {
		return nil, observability.OutcomeFailed, err
	}
	if self.Status != models.RidePending || cand.Status != models.RidePending || !cand.Preferences.AllowSharing {
		s.logger.Info("candidate taken", "ride_id", ride.ID, "candidate_id", cand.ID)
		return nil, observability.OutcomeContended, nil
	}

	pg, err := s.assembler.Assemble(ctx, self, cand)
	if err != nil {
		return nil, observability.OutcomeFailed, err
	}
	if err := s.recompute(ctx, pg); err != nil {
		observability.RecomputeFailures.Inc()
		s.rollback(ctx, pg)
		return nil, observability.OutcomeFailed, fmt.Errorf("recompute pool %s: %w", pg.ID, err)
	}
	if err := s.pools.Save(ctx, pg); err != nil {
		s.rollback(ctx, pg)
		return nil, observability.OutcomeFailed, err
	}
	s.applyFinalPrices(ctx, pg)

	for _, id := range pg.RideIDs {
		r, err := s.rides.Get(ctx, id)
		if err != nil {
			s.logger.Warn("reload matched ride", "ride_id", id, "err", err)
			continue
		}
		s.publish(ctx, rideEvent(models.EventRideMatched, r))
	}
	s.publish(ctx, poolEvent(pg))
	s.notifyMembers(ctx, pg, models.EventRideMatched)
	s.logger.Info("ride matched", "ride_id", ride.ID, "candidate_id", cand.ID, "pool_id", pg.ID, "score", candidates[0].Score)
	return pg, observability.OutcomeMatched, nil
}

// recompute refreshes the route and the price split of pg in place.
func (s *Service) recompute(ctx context.Context, pg *models.PoolGroup) error {
	members := make(map[string]*models.RideRequest, len(pg.RideIDs))
	for _, id := range pg.RideIDs {
		r, err := s.rides.Get(ctx, id)
		if err != nil {
			return err
		}
		members[id] = r
	}
	rt, err := s.optimizer.Optimize(pg, members)
	if err != nil {
		return err
	}
	pg.Route = rt
	pr, err := s.pricing.PoolPricing(pg, members)
	if err != nil {
		return err
	}
	pg.Pricing = pr
	return nil
}

func (s *Service) applyFinalPrices(ctx context.Context, pg *models.PoolGroup) {
	for _, share := range pg.Pricing.PerRide {
		price := share.Price
		if err := s.rides.UpdateMany(ctx, []string{share.RideID}, models.RidePatch{FinalPrice: &price}); err != nil {
			s.logger.Error("set final price", "ride_id", share.RideID, "pool_id", pg.ID, "err", err)
		}
	}
}

// rollback dissolves a pool whose route or price could not be settled.
func (s *Service) rollback(ctx context.Context, pg *models.PoolGroup) {
	stored, err := s.pools.Get(ctx, pg.ID)
	if err != nil {
		s.logger.Error("rollback: load pool", "pool_id", pg.ID, "err", err)
		return
	}
	stored.Status = models.PoolCancelled
	if err := s.pools.Save(ctx, stored); err != nil {
		s.logger.Error("rollback: cancel pool", "pool_id", pg.ID, "err", err)
	}
	pending := models.RidePending
	if err := s.rides.UpdateMany(ctx, stored.RideIDs, models.RidePatch{Status: &pending, ClearPool: true}); err != nil {
		s.logger.Error("rollback: release rides", "pool_id", pg.ID, "err", err)
	}
}

// CancelMembership cancels a ride and detaches it from its pool. When the
// pool cannot be recomputed the cancellation is rejected and nothing is
// written.
func (s *Service) CancelMembership(ctx context.Context, rideID, reason string) (*models.RideRequest, *models.PoolGroup, error) {
	unlock, err := lock.LockRidesThenPools(ctx, s.locker, []string{rideID}, nil)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status.Terminal() {
		return nil, nil, fmt.Errorf("cancel ride %s in status %s: %w", r.ID, r.Status, models.ErrInvalidTransition)
	}

	var pg *models.PoolGroup
	var released string
	if r.PoolGroupID != "" {
		unlockPool, err := lock.LockAll(ctx, s.locker, lock.PoolKey(r.PoolGroupID))
		if err != nil {
			return nil, nil, err
		}
		defer unlockPool()

		if r, err = s.rides.Get(ctx, rideID); err != nil {
			return nil, nil, err
		}
		pg, released, err = s.detach(ctx, r)
		if err != nil {
			return nil, nil, err
		}
	}

	now := s.now()
	r.Status = models.RideCancelled
	r.CancellationReason = reason
	r.CancelledAt = &now
	r.PoolGroupID = ""
	r.FinalPrice = nil
	if err := s.rides.Save(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("cancel ride %s: %w", r.ID, err)
	}
	observability.RidesCancelled.Inc()
	s.releaseHold(ctx, r)

	s.publish(ctx, rideEvent(models.EventRideCancelled, r))
	if pg != nil {
		s.publish(ctx, poolEvent(pg))
		if released != "" {
			if rel, err := s.rides.Get(ctx, released); err == nil {
				s.publish(ctx, rideEvent(models.EventRideReleased, rel))
				s.notify(rel.RiderID, Update{Type: models.EventRideReleased, RideID: rel.ID, PoolID: pg.ID, Status: string(rel.Status)})
			}
		} else {
			s.notifyMembers(ctx, pg, models.EventPoolUpdated)
		}
	}
	s.logger.Info("ride cancelled", "ride_id", r.ID, "pool_id", poolID(pg), "reason", reason)
	return r, pg, nil
}

// detach removes r from its pool. The caller holds r's and the pool's lock.
func (s *Service) detach(ctx context.Context, r *models.RideRequest) (*models.PoolGroup, string, error) {
	pg, err := s.pools.Get(ctx, r.PoolGroupID)
	if errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("ride references missing pool", "ride_id", r.ID, "pool_id", r.PoolGroupID)
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if !pg.HasRide(r.ID) || pg.Status == models.PoolCancelled {
		return nil, "", nil
	}
	if pg.Status == models.PoolInProgress || pg.Status == models.PoolCompleted {
		return nil, "", fmt.Errorf("cancel ride %s in %s pool %s: %w", r.ID, pg.Status, pg.ID, models.ErrInvalidTransition)
	}

	res, err := s.assembler.Detach(ctx, pg, r, s.recompute)
	if err != nil {
		return nil, "", err
	}
	if res.Pool.Status != models.PoolCancelled {
		s.applyFinalPrices(ctx, res.Pool)
	}
	return res.Pool, res.Released, nil
}

// EstimatePrice quotes a trip without storing anything.
func (s *Service) EstimatePrice(_ context.Context, pickup, dropoff models.Coordinate, passengers int, allowSharing bool) (models.Quote, error) {
	if passengers < 1 || passengers > models.MaxPoolPassengers {
		return models.Quote{}, fmt.Errorf("passengers %d not in [1, %d]: %w", passengers, models.MaxPoolPassengers, models.ErrInvalidRide)
	}
	return s.pricing.Estimate(pickup, dropoff, passengers, allowSharing)
}

func (s *Service) ApplyDiscount(price float64, code string) (pricing.DiscountResult, error) {
	if err := s.pricing.ValidatePrice(price); err != nil {
		return pricing.DiscountResult{}, err
	}
	return s.pricing.ApplyDiscountCode(price, code), nil
}

func (s *Service) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	return s.rides.Get(ctx, id)
}

func (s *Service) ListRides(ctx context.Context, f storage.RideFilter) ([]*models.RideRequest, int, error) {
	return s.rides.List(ctx, f)
}

func (s *Service) GetPool(ctx context.Context, id string) (*models.PoolGroup, error) {
	return s.pools.Get(ctx, id)
}

func (s *Service) ListPools(ctx context.Context, f storage.PoolFilter) ([]*models.PoolGroup, int, error) {
	return s.pools.List(ctx, f)
}

func (s *Service) PoolStats(ctx context.Context) (storage.PoolStats, error) {
	return s.pools.Stats(ctx)
}

func poolID(pg *models.PoolGroup) string {
	if pg == nil {
		return ""
	}
	return pg.ID
}
