package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

// PickupCellPrecision is the geohash length stored with every ride.
const PickupCellPrecision = 7

// PostgresStore implements RideStore, and PoolStore through Pools. When a
// locator is set it answers radius queries; otherwise a bounding box scan
// over the pickup columns is used.
type PostgresStore struct {
	db      *sql.DB
	locator geo.Locator
}

func NewPostgresStore(dsn string, locator geo.Locator) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, locator: locator}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const rideColumns = `id, rider_id,
	pickup_lon, pickup_lat, pickup_address, pickup_city, pickup_airport, pickup_terminal,
	dropoff_lon, dropoff_lat, dropoff_address, dropoff_city, dropoff_airport, dropoff_terminal,
	passengers, luggage, max_detour_km, allow_sharing, status, pool_group_id,
	estimated_price, final_price, distance_km, payment_hold_id, cancellation_reason,
	requested_at, scheduled_for, cancelled_at, updated_at, held_cents`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.RideRequest, error) {
	var (
		r         models.RideRequest
		poolID    sql.NullString
		final     sql.NullFloat64
		scheduled sql.NullTime
		cancelled sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID,
		&r.Pickup.Lon, &r.Pickup.Lat, &r.Pickup.Address, &r.Pickup.City, &r.Pickup.Airport, &r.Pickup.Terminal,
		&r.Dropoff.Lon, &r.Dropoff.Lat, &r.Dropoff.Address, &r.Dropoff.City, &r.Dropoff.Airport, &r.Dropoff.Terminal,
		&r.Passengers, &r.Luggage, &r.Preferences.MaxDetourKm, &r.Preferences.AllowSharing, &r.Status, &poolID,
		&r.EstimatedPrice, &final, &r.DistanceKm, &r.PaymentHoldID, &r.CancellationReason,
		&r.RequestedAt, &scheduled, &cancelled, &r.UpdatedAt, &r.HeldCents)
	if err != nil {
		return nil, err
	}
	r.PoolGroupID = poolID.String
	if final.Valid {
		v := final.Float64
		r.FinalPrice = &v
	}
	if scheduled.Valid {
		v := scheduled.Time
		r.ScheduledFor = &v
	}
	if cancelled.Valid {
		v := cancelled.Time
		r.CancelledAt = &v
	}
	return &r, nil
}

func (p *PostgresStore) queryRides(ctx context.Context, query string, args ...any) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindNearbyPending(ctx context.Context, c models.Coordinate, radiusKm float64, excludeID string, limit int) ([]*models.RideRequest, error) {
	if limit <= 0 {
		return nil, nil
	}
	if p.locator != nil {
		return p.nearbyFromLocator(ctx, c, radiusKm, excludeID, limit)
	}

	b := geo.BoundingBox(c, radiusKm)
	rides, err := p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status = 'pending' AND allow_sharing AND id <> $1
		AND pickup_lon BETWEEN $2 AND $3 AND pickup_lat BETWEEN $4 AND $5`,
		excludeID, b.MinLon, b.MaxLon, b.MinLat, b.MaxLat)
	if err != nil {
		return nil, fmt.Errorf("nearby pending: %w", err)
	}
	type hit struct {
		r *models.RideRequest
		d float64
	}
	hits := make([]hit, 0, len(rides))
	for _, r := range rides {
		if d := geo.DistanceKm(c, r.Pickup.Coordinate); d <= radiusKm {
			hits = append(hits, hit{r, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	out := make([]*models.RideRequest, 0, limit)
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		out = append(out, h.r)
	}
	return out, nil
}

func (p *PostgresStore) nearbyFromLocator(ctx context.Context, c models.Coordinate, radiusKm float64, excludeID string, limit int) ([]*models.RideRequest, error) {
	hits, err := p.locator.Nearby(ctx, c, radiusKm, limit+1)
	if err != nil {
		return nil, fmt.Errorf("nearby pending: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.ID != excludeID {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rides, err := p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE id = ANY($1) AND status = 'pending' AND allow_sharing`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("nearby pending: %w", err)
	}
	byID := make(map[string]*models.RideRequest, len(rides))
	for _, r := range rides {
		byID[r.ID] = r
	}
	out := make([]*models.RideRequest, 0, limit)
	for _, id := range ids {
		if r, ok := byID[id]; ok && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) Save(ctx context.Context, r *models.RideRequest) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`, pickup_cell)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, pool_group_id = EXCLUDED.pool_group_id,
			estimated_price = EXCLUDED.estimated_price, final_price = EXCLUDED.final_price,
			payment_hold_id = EXCLUDED.payment_hold_id, held_cents = EXCLUDED.held_cents, cancellation_reason = EXCLUDED.cancellation_reason,
			cancelled_at = EXCLUDED.cancelled_at, updated_at = EXCLUDED.updated_at`,
		r.ID, r.RiderID,
		r.Pickup.Lon, r.Pickup.Lat, r.Pickup.Address, r.Pickup.City, r.Pickup.Airport, r.Pickup.Terminal,
		r.Dropoff.Lon, r.Dropoff.Lat, r.Dropoff.Address, r.Dropoff.City, r.Dropoff.Airport, r.Dropoff.Terminal,
		r.Passengers, r.Luggage, r.Preferences.MaxDetourKm, r.Preferences.AllowSharing, r.Status, nullString(r.PoolGroupID),
		r.EstimatedPrice, r.FinalPrice, r.DistanceKm, r.PaymentHoldID, r.CancellationReason,
		r.RequestedAt, r.ScheduledFor, r.CancelledAt, r.UpdatedAt, r.HeldCents,
		geohash.EncodeWithPrecision(r.Pickup.Lat, r.Pickup.Lon, PickupCellPrecision))
	if err != nil {
		return fmt.Errorf("save ride %s: %w", r.ID, err)
	}
	return p.reindex(ctx, r)
}

func (p *PostgresStore) UpdateMany(ctx context.Context, ids []string, patch models.RidePatch) error {
	if len(ids) == 0 {
		return nil
	}
	var status sql.NullString
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	var poolID sql.NullString
	if patch.PoolGroupID != nil {
		poolID = sql.NullString{String: *patch.PoolGroupID, Valid: true}
	}
	var holdID sql.NullString
	if patch.PaymentHoldID != nil {
		holdID = sql.NullString{String: *patch.PaymentHoldID, Valid: true}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE rides SET
			status = COALESCE($1, status),
			pool_group_id = CASE WHEN $3 THEN NULL ELSE COALESCE($2, pool_group_id) END,
			final_price = CASE WHEN $3 THEN NULL ELSE COALESCE($4, final_price) END,
			payment_hold_id = COALESCE($6, payment_hold_id),
			held_cents = COALESCE($7, held_cents),
			updated_at = now()
		WHERE id = ANY($5)`, status, poolID, patch.ClearPool, patch.FinalPrice, pq.Array(ids), holdID, patch.HeldCents)
	if err != nil {
		return fmt.Errorf("update rides: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(uniq(ids)) {
		return fmt.Errorf("update rides: %d of %d found: %w", n, len(ids), models.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if p.locator == nil {
		return nil
	}
	rides, err := p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return err
	}
	for _, r := range rides {
		if err := p.reindex(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) reindex(ctx context.Context, r *models.RideRequest) error {
	if p.locator == nil {
		return nil
	}
	if indexable(r) {
		return p.locator.Upsert(ctx, r.ID, r.Pickup.Coordinate)
	}
	return p.locator.Remove(ctx, r.ID)
}

func (p *PostgresStore) List(ctx context.Context, f RideFilter) ([]*models.RideRequest, int, error) {
	offset := f.Normalize()
	where, args := []string{"TRUE"}, []any{}
	if f.RiderID != "" {
		args = append(args, f.RiderID)
		where = append(where, fmt.Sprintf("rider_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM rides WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, f.Limit, offset)
	rides, err := p.queryRides(ctx, fmt.Sprintf(`SELECT %s FROM rides WHERE %s
		ORDER BY requested_at DESC, id LIMIT $%d OFFSET $%d`, rideColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return rides, total, nil
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.RideRequest, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status = 'pending' AND requested_at < $1 ORDER BY requested_at LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) GetPreferences(ctx context.Context, riderID string) (models.Preferences, bool, error) {
	var prefs models.Preferences
	err := p.db.QueryRowContext(ctx, `SELECT max_detour_km, allow_sharing FROM rider_preferences WHERE rider_id = $1`, riderID).
		Scan(&prefs.MaxDetourKm, &prefs.AllowSharing)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Preferences{}, false, nil
	}
	if err != nil {
		return models.Preferences{}, false, fmt.Errorf("rider %s preferences: %w", riderID, err)
	}
	return prefs, true, nil
}

func (p *PostgresStore) SavePreferences(ctx context.Context, riderID string, prefs models.Preferences) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rider_preferences(rider_id, max_detour_km, allow_sharing, updated_at)
		VALUES($1, $2, $3, now())
		ON CONFLICT (rider_id) DO UPDATE SET
			max_detour_km = EXCLUDED.max_detour_km, allow_sharing = EXCLUDED.allow_sharing, updated_at = now()`,
		riderID, prefs.MaxDetourKm, prefs.AllowSharing)
	if err != nil {
		return fmt.Errorf("save rider %s preferences: %w", riderID, err)
	}
	return nil
}

// PostgresPools is the PoolStore view of a PostgresStore.
type PostgresPools struct{ p *PostgresStore }

func (p *PostgresStore) Pools() *PostgresPools { return &PostgresPools{p: p} }

const poolColumns = `id, ride_ids, status, passengers_current, passengers_max, luggage_current, luggage_max,
	route, pricing, version, created_at, updated_at, started_at, completed_at`

func scanPool(s scanner) (*models.PoolGroup, error) {
	var (
		pg        models.PoolGroup
		ids       pq.StringArray
		route     []byte
		pricing   []byte
		started   sql.NullTime
		completed sql.NullTime
	)
	err := s.Scan(&pg.ID, &ids, &pg.Status,
		&pg.Capacity.Passengers.Current, &pg.Capacity.Passengers.Max,
		&pg.Capacity.Luggage.Current, &pg.Capacity.Luggage.Max,
		&route, &pricing, &pg.Version, &pg.CreatedAt, &pg.UpdatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	pg.RideIDs = []string(ids)
	if err := json.Unmarshal(route, &pg.Route); err != nil {
		return nil, fmt.Errorf("pool %s route: %w", pg.ID, err)
	}
	if err := json.Unmarshal(pricing, &pg.Pricing); err != nil {
		return nil, fmt.Errorf("pool %s pricing: %w", pg.ID, err)
	}
	if started.Valid {
		v := started.Time
		pg.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time
		pg.CompletedAt = &v
	}
	return &pg, nil
}

func (pp *PostgresPools) queryPools(ctx context.Context, query string, args ...any) ([]*models.PoolGroup, error) {
	rows, err := pp.p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PoolGroup
	for rows.Next() {
		pg, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pg)
	}
	return out, rows.Err()
}

func (pp *PostgresPools) Get(ctx context.Context, id string) (*models.PoolGroup, error) {
	pg, err := scanPool(pp.p.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pool_groups WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, models.ErrNotFound)
	}
	return pg, err
}

func (pp *PostgresPools) Save(ctx context.Context, pg *models.PoolGroup) error {
	route, err := json.Marshal(pg.Route)
	if err != nil {
		return err
	}
	pricing, err := json.Marshal(pg.Pricing)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var res sql.Result
	if pg.Version == 0 {
		res, err = pp.p.db.ExecContext(ctx, `INSERT INTO pool_groups(`+poolColumns+`)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$11,$12,$13)
			ON CONFLICT (id) DO NOTHING`,
			pg.ID, pq.Array(pg.RideIDs), pg.Status,
			pg.Capacity.Passengers.Current, pg.Capacity.Passengers.Max,
			pg.Capacity.Luggage.Current, pg.Capacity.Luggage.Max,
			route, pricing, pg.CreatedAt, now, pg.StartedAt, pg.CompletedAt)
	} else {
		res, err = pp.p.db.ExecContext(ctx, `UPDATE pool_groups SET
				ride_ids = $2, status = $3, passengers_current = $4, luggage_current = $5,
				route = $6, pricing = $7, version = version + 1, updated_at = $8,
				started_at = $9, completed_at = $10
			WHERE id = $1 AND version = $11`,
			pg.ID, pq.Array(pg.RideIDs), pg.Status,
			pg.Capacity.Passengers.Current, pg.Capacity.Luggage.Current,
			route, pricing, now, pg.StartedAt, pg.CompletedAt, pg.Version)
	}
	if err != nil {
		return fmt.Errorf("save pool %s: %w", pg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("save pool %s at version %d: %w", pg.ID, pg.Version, models.ErrConflict)
	}
	pg.Version++
	pg.UpdatedAt = now
	return nil
}

func (pp *PostgresPools) FindForming(ctx context.Context) ([]*models.PoolGroup, error) {
	return pp.queryPools(ctx, `SELECT `+poolColumns+` FROM pool_groups
		WHERE status = 'forming' AND passengers_current < passengers_max ORDER BY created_at`)
}

func (pp *PostgresPools) List(ctx context.Context, f PoolFilter) ([]*models.PoolGroup, int, error) {
	offset := f.Normalize()
	var total int
	if err := pp.p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM pool_groups WHERE $1 = '' OR status = $1`, f.Status).Scan(&total); err != nil {
		return nil, 0, err
	}
	pools, err := pp.queryPools(ctx, `SELECT `+poolColumns+` FROM pool_groups
		WHERE $1 = '' OR status = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, f.Status, f.Limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return pools, total, nil
}

func (pp *PostgresPools) Stats(ctx context.Context) (PoolStats, error) {
	rows, err := pp.p.db.QueryContext(ctx, `SELECT status, count(*),
			COALESCE(avg(cardinality(ride_ids)), 0),
			COALESCE(sum((route->>'total_distance_km')::float8), 0)
		FROM pool_groups GROUP BY status ORDER BY status`)
	if err != nil {
		return PoolStats{}, err
	}
	defer rows.Close()
	var stats PoolStats
	for rows.Next() {
		var s StatusStats
		if err := rows.Scan(&s.Status, &s.Count, &s.AvgRides, &s.TotalDistanceKm); err != nil {
			return PoolStats{}, err
		}
		s.AvgRides = geo.Round2(s.AvgRides)
		s.TotalDistanceKm = geo.Round2(s.TotalDistanceKm)
		stats.TotalPools += s.Count
		if Active(s.Status) {
			stats.ActivePools += s.Count
		}
		stats.ByStatus = append(stats.ByStatus, s)
	}
	return stats, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
