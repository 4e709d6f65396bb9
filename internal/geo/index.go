package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/example/ride-pooling/internal/models"
)

// Hit is a located id and its distance from the query point.
type Hit struct {
	ID         string
	DistanceKm float64
}

// Locator indexes ride pickups for radius queries.
type Locator interface {
	Upsert(ctx context.Context, id string, c models.Coordinate) error
	Remove(ctx context.Context, id string) error
	// Nearby returns hits within radiusKm of c ordered by distance, at most limit.
	Nearby(ctx context.Context, c models.Coordinate, radiusKm float64, limit int) ([]Hit, error)
}

const pointTolerance = 1e-9

type entry struct {
	id   string
	pos  models.Coordinate
	rect rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect { return e.rect }

// Index is an in-process Locator backed by an R-tree in lon/lat space.
type Index struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	entries map[string]*entry
}

func NewIndex() *Index {
	return &Index{tree: rtreego.NewTree(2, 25, 50), entries: make(map[string]*entry)}
}

func (g *Index) Upsert(_ context.Context, id string, c models.Coordinate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[id]; ok {
		g.tree.Delete(old)
	}
	e := &entry{id: id, pos: c, rect: rtreego.Point{c.Lon, c.Lat}.ToRect(pointTolerance)}
	g.entries[id] = e
	g.tree.Insert(e)
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[id]; ok {
		g.tree.Delete(old)
		delete(g.entries, id)
	}
	return nil
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Nearby prefilters with BoundingBox on the tree, then applies the exact
// great-circle radius.
func (g *Index) Nearby(_ context.Context, c models.Coordinate, radiusKm float64, limit int) ([]Hit, error) {
	if radiusKm <= 0 || limit <= 0 {
		return nil, nil
	}
	box := BoundingBox(c, radiusKm)
	rect, err := rtreego.NewRect(
		rtreego.Point{box.MinLon, box.MinLat},
		[]float64{box.MaxLon - box.MinLon + pointTolerance, box.MaxLat - box.MinLat + pointTolerance},
	)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	found := g.tree.SearchIntersect(rect)
	g.mu.RUnlock()

	hits := make([]Hit, 0, len(found))
	for _, s := range found {
		e := s.(*entry)
		d := DistanceKm(c, e.pos)
		if d <= radiusKm {
			hits = append(hits, Hit{ID: e.id, DistanceKm: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
