package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

// MemoryStore keeps rides and pools in process. Pending pickups are kept
// in a geo.Locator for radius queries.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.RideRequest
	pools   map[string]*models.PoolGroup
	prefs   map[string]models.Preferences
	locator geo.Locator
}

// NewMemoryStore uses an R-tree index when locator is nil.
func NewMemoryStore(locator geo.Locator) *MemoryStore {
	if locator == nil {
		locator = geo.NewIndex()
	}
	return &MemoryStore{
		rides:   make(map[string]*models.RideRequest),
		pools:   make(map[string]*models.PoolGroup),
		prefs:   make(map[string]models.Preferences),
		locator: locator,
	}
}

func (m *MemoryStore) FindNearbyPending(ctx context.Context, c models.Coordinate, radiusKm float64, excludeID string, limit int) ([]*models.RideRequest, error) {
	if limit <= 0 {
		return nil, nil
	}
	// One extra hit covers the excluded ride.
	hits, err := m.locator.Nearby(ctx, c, radiusKm, limit+1)
	if err != nil {
		return nil, fmt.Errorf("nearby pending: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0, len(hits))
	for _, h := range hits {
		if h.ID == excludeID {
			continue
		}
		r, ok := m.rides[h.ID]
		if !ok || !indexable(r) {
			continue
		}
		out = append(out, r.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	m.rides[r.ID] = r.Clone()
	m.mu.Unlock()
	return m.reindex(ctx, r)
}

func (m *MemoryStore) UpdateMany(ctx context.Context, ids []string, patch models.RidePatch) error {
	now := time.Now().UTC()
	m.mu.Lock()
	for _, id := range ids {
		if _, ok := m.rides[id]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("update rides: ride %s: %w", id, models.ErrNotFound)
		}
	}
	updated := make([]*models.RideRequest, 0, len(ids))
	for _, id := range ids {
		r := m.rides[id]
		patch.Apply(r)
		r.UpdatedAt = now
		updated = append(updated, r.Clone())
	}
	m.mu.Unlock()

	for _, r := range updated {
		if err := m.reindex(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) reindex(ctx context.Context, r *models.RideRequest) error {
	if indexable(r) {
		return m.locator.Upsert(ctx, r.ID, r.Pickup.Coordinate)
	}
	return m.locator.Remove(ctx, r.ID)
}

// List returns rides newest first with the total match count.
func (m *MemoryStore) List(_ context.Context, f RideFilter) ([]*models.RideRequest, int, error) {
	offset := f.Normalize()
	m.mu.RLock()
	matched := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].RequestedAt.Equal(matched[j].RequestedAt) {
			return matched[i].RequestedAt.After(matched[j].RequestedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, offset, f.Limit), len(matched), nil
}

func (m *MemoryStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*models.RideRequest, error) {
	m.mu.RLock()
	out := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if r.Status == models.RidePending && r.RequestedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryPools is the PoolStore view of a MemoryStore.
type MemoryPools struct{ m *MemoryStore }

func (m *MemoryStore) Pools() *MemoryPools { return &MemoryPools{m: m} }

func (p *MemoryPools) Get(_ context.Context, id string) (*models.PoolGroup, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	pg, ok := p.m.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, models.ErrNotFound)
	}
	return pg.Clone(), nil
}

func (p *MemoryPools) Save(_ context.Context, pg *models.PoolGroup) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	stored, ok := p.m.pools[pg.ID]
	current := 0
	if ok {
		current = stored.Version
	}
	if pg.Version != current {
		return fmt.Errorf("save pool %s at version %d (stored %d): %w", pg.ID, pg.Version, current, models.ErrConflict)
	}
	pg.Version++
	pg.UpdatedAt = time.Now().UTC()
	p.m.pools[pg.ID] = pg.Clone()
	return nil
}

func (p *MemoryPools) FindForming(_ context.Context) ([]*models.PoolGroup, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	out := make([]*models.PoolGroup, 0)
	for _, pg := range p.m.pools {
		if pg.Status == models.PoolForming && pg.Capacity.Passengers.Available() > 0 {
			out = append(out, pg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *MemoryPools) List(_ context.Context, f PoolFilter) ([]*models.PoolGroup, int, error) {
	offset := f.Normalize()
	p.m.mu.RLock()
	matched := make([]*models.PoolGroup, 0)
	for _, pg := range p.m.pools {
		if f.Status != "" && pg.Status != f.Status {
			continue
		}
		matched = append(matched, pg.Clone())
	}
	p.m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, offset, f.Limit), len(matched), nil
}

func (p *MemoryPools) Stats(_ context.Context) (PoolStats, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	byStatus := make(map[models.PoolStatus]*StatusStats)
	var stats PoolStats
	for _, pg := range p.m.pools {
		stats.TotalPools++
		if Active(pg.Status) {
			stats.ActivePools++
		}
		s, ok := byStatus[pg.Status]
		if !ok {
			s = &StatusStats{Status: pg.Status}
			byStatus[pg.Status] = s
		}
		s.Count++
		s.AvgRides += float64(len(pg.RideIDs))
		s.TotalDistanceKm += pg.Route.TotalDistanceKm
	}
	for _, s := range byStatus {
		s.AvgRides = geo.Round2(s.AvgRides / float64(s.Count))
		s.TotalDistanceKm = geo.Round2(s.TotalDistanceKm)
		stats.ByStatus = append(stats.ByStatus, *s)
	}
	sort.Slice(stats.ByStatus, func(i, j int) bool { return stats.ByStatus[i].Status < stats.ByStatus[j].Status })
	return stats, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (m *MemoryStore) GetPreferences(_ context.Context, riderID string) (models.Preferences, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[riderID]
	return p, ok, nil
}

func (m *MemoryStore) SavePreferences(_ context.Context, riderID string, prefs models.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[riderID] = prefs
	return nil
}
