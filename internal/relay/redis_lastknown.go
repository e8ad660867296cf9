package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// RedisLastKnown keeps the retained sample in Redis so a server restart
// mid-ride does not blank every rider's map.
type RedisLastKnown struct {
	client *redis.Client
	geoKey string
}

func NewRedisLastKnown(addr, password, geoKey string) *RedisLastKnown {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLastKnown{client: c, geoKey: geoKey}
}

func (r *RedisLastKnown) Set(ctx context.Context, s models.LocationSample) error {
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: s.Lng, Latitude: s.Lat, Name: s.RideID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(s.RideID), map[string]interface{}{
		"captured_at": s.CapturedAt.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisLastKnown) Get(ctx context.Context, rideID string) (*models.LocationSample, error) {
	pos, err := r.client.GeoPos(ctx, r.geoKey, rideID).Result()
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return nil, nil
	}
	s := &models.LocationSample{RideID: rideID, Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	if m, err := r.client.HGetAll(ctx, metaKey(rideID)).Result(); err == nil {
		if v, ok := m["captured_at"]; ok {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				s.CapturedAt = t
			}
		}
	}
	return s, nil
}

func (r *RedisLastKnown) Clear(ctx context.Context, rideID string) error {
	if err := r.client.ZRem(ctx, r.geoKey, rideID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(rideID)).Err()
}

func metaKey(rideID string) string { return "ride:lastloc:" + rideID }
