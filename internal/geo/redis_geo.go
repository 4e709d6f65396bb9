package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-pooling/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, c models.Coordinate) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: id, Longitude: c.Lon, Latitude: c.Lat}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coordinate, radiusKm float64, limit int) ([]Hit, error) {
	if radiusKm <= 0 || limit <= 0 {
		return nil, nil
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  c.Lon,
			Latitude:   c.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(res))
	for _, g := range res {
		hits = append(hits, Hit{ID: g.Name, DistanceKm: Round2(g.Dist)})
	}
	return hits, nil
}
