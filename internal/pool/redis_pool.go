package pool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisPool stores each driver as a hash under driver:meta:<id> and keeps
// available drivers with a known location in one GEO set per vehicle type
// (<geoKey>:<vehicle_type>). Every state change runs as a Lua script so the
// hash and the GEO set move together.
type RedisPool struct {
	client *redis.Client
	geoKey string
}

func NewRedisPool(client *redis.Client, geoKey string) *RedisPool {
	return &RedisPool{client: client, geoKey: geoKey}
}

// script results
const (
	resNotFound = -1
	resConflict = -2
	resStale    = -3
	resNoop     = 0
	resOK       = 1
)

var registerScript = redis.NewScript(`
local isNew = redis.call('EXISTS', KEYS[1]) == 0
local prev = redis.call('HGET', KEYS[1], 'vehicle_type')
redis.call('HSET', KEYS[1], 'name', ARGV[2], 'rating', ARGV[3], 'vehicle', ARGV[4], 'plate', ARGV[5], 'vehicle_type', ARGV[6])
if isNew then
  redis.call('HSET', KEYS[1], 'availability', 'offline')
  return 1
end
if prev and prev ~= ARGV[6] and redis.call('HGET', KEYS[1], 'availability') == 'available' then
  redis.call('ZREM', ARGV[7] .. ':' .. prev, ARGV[1])
  local lat = redis.call('HGET', KEYS[1], 'lat')
  local lng = redis.call('HGET', KEYS[1], 'lng')
  if lat and lng then
    redis.call('GEOADD', ARGV[7] .. ':' .. ARGV[6], lng, lat, ARGV[1])
  end
end
return 0
`)

var availabilityScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'availability')
if cur == ARGV[1] then return 0 end
if cur == 'assigned' then return -2 end
local geo = ARGV[2] .. ':' .. redis.call('HGET', KEYS[1], 'vehicle_type')
redis.call('HSET', KEYS[1], 'availability', ARGV[1])
if ARGV[1] == 'available' then
  local lat = redis.call('HGET', KEYS[1], 'lat')
  local lng = redis.call('HGET', KEYS[1], 'lng')
  if lat and lng then
    redis.call('GEOADD', geo, lng, lat, ARGV[3])
  end
else
  redis.call('ZREM', geo, ARGV[3])
end
return 1
`)

var locationScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local last = tonumber(redis.call('HGET', KEYS[1], 'loc_ts') or '-1')
if tonumber(ARGV[3]) < last then return -3 end
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lng', ARGV[2], 'loc_ts', ARGV[3])
if redis.call('HGET', KEYS[1], 'availability') == 'available' then
  redis.call('GEOADD', ARGV[4] .. ':' .. redis.call('HGET', KEYS[1], 'vehicle_type'), ARGV[2], ARGV[1], ARGV[5])
end
return 1
`)

var assignScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'availability')
if cur == 'assigned' and redis.call('HGET', KEYS[1], 'current_ride') == ARGV[1] then return 0 end
if cur ~= 'available' then return -2 end
redis.call('HSET', KEYS[1], 'availability', 'assigned', 'current_ride', ARGV[1])
redis.call('ZREM', ARGV[2] .. ':' .. redis.call('HGET', KEYS[1], 'vehicle_type'), ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'availability') ~= 'assigned' then return 0 end
if redis.call('HGET', KEYS[1], 'current_ride') ~= ARGV[1] then return 0 end
redis.call('HDEL', KEYS[1], 'current_ride')
redis.call('HSET', KEYS[1], 'availability', 'available')
local lat = redis.call('HGET', KEYS[1], 'lat')
local lng = redis.call('HGET', KEYS[1], 'lng')
if lat and lng then
  redis.call('GEOADD', ARGV[2] .. ':' .. redis.call('HGET', KEYS[1], 'vehicle_type'), lng, lat, ARGV[3])
end
return 1
`)

func (r *RedisPool) Register(ctx context.Context, d models.Driver) (models.Driver, error) {
	if d.ID == "" || !d.VehicleType.Valid() {
		return models.Driver{}, fmt.Errorf("%w: driver id and vehicle type are required", errs.ErrInvalidArgument)
	}
	_, err := registerScript.Run(ctx, r.client, []string{metaKey(d.ID)},
		d.ID, d.Name, strconv.FormatFloat(d.Rating, 'f', 2, 64), d.VehicleDescription, d.Plate, string(d.VehicleType), r.geoKey,
	).Int()
	if err != nil {
		return models.Driver{}, fmt.Errorf("register driver %s: %w", d.ID, err)
	}
	return r.Get(ctx, d.ID)
}

func (r *RedisPool) Get(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("get driver %s: %w", id, err)
	}
	if len(m) == 0 {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, errs.ErrNotFound)
	}
	return driverFromHash(id, m), nil
}

func (r *RedisPool) SetAvailability(ctx context.Context, id string, a models.Availability) error {
	if !a.Valid() {
		return fmt.Errorf("%w: availability %q", errs.ErrInvalidArgument, a)
	}
	if a == models.Assigned {
		return fmt.Errorf("%w: drivers are assigned by the dispatcher only", errs.ErrInvalidTransition)
	}
	res, err := availabilityScript.Run(ctx, r.client, []string{metaKey(id)}, string(a), r.geoKey, id).Int()
	if err != nil {
		return fmt.Errorf("set availability %s: %w", id, err)
	}
	switch res {
	case resNotFound:
		return fmt.Errorf("driver %s: %w", id, errs.ErrNotFound)
	case resConflict:
		return fmt.Errorf("driver %s has an active ride: %w", id, errs.ErrConflict)
	}
	return nil
}

func (r *RedisPool) UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) error {
	res, err := locationScript.Run(ctx, r.client, []string{metaKey(id)},
		strconv.FormatFloat(c.Lat, 'f', -1, 64),
		strconv.FormatFloat(c.Lon, 'f', -1, 64),
		at.UnixMilli(), r.geoKey, id,
	).Int()
	if err != nil {
		return fmt.Errorf("update location %s: %w", id, err)
	}
	switch res {
	case resNotFound:
		return fmt.Errorf("driver %s: %w", id, errs.ErrNotFound)
	case resStale:
		return fmt.Errorf("driver %s location at %s: %w", id, at.Format(time.RFC3339Nano), errs.ErrStaleUpdate)
	}
	return nil
}

// Candidates runs one GEOSEARCH, ranks the hits, and then reads each
// driver's hash only as the caller pulls it, re-checking availability.
func (r *RedisPool) Candidates(ctx context.Context, q Query) (iter.Seq[models.Candidate], error) {
	count := 0
	if q.Limit > 0 {
		count = q.Limit + len(q.Exclude)
	}
	hits, err := r.client.GeoSearchLocation(ctx, r.geoSet(q.VehicleType), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Pickup.Lon,
			Latitude:   q.Pickup.Lat,
			Radius:     q.radius(),
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("geosearch: %w", err)
	}

	ranked := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		if q.excluded(h.Name) {
			continue
		}
		ranked = append(ranked, models.Candidate{Driver: models.Driver{ID: h.Name}, DistanceKm: h.Dist})
	}
	geo.Rank(ranked)

	return func(yield func(models.Candidate) bool) {
		n := 0
		for _, c := range ranked {
			if q.Limit > 0 && n >= q.Limit {
				return
			}
			d, err := r.Get(ctx, c.Driver.ID)
			if err != nil || d.Availability != models.Available || d.VehicleType != q.VehicleType {
				continue
			}
			c.Driver = d
			n++
			if !yield(c) {
				return
			}
		}
	}, nil
}

func (r *RedisPool) Assign(ctx context.Context, driverID, rideID string) error {
	res, err := assignScript.Run(ctx, r.client, []string{metaKey(driverID)}, rideID, r.geoKey, driverID).Int()
	if err != nil {
		return fmt.Errorf("assign driver %s: %w", driverID, err)
	}
	switch res {
	case resNotFound:
		return fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
	case resConflict:
		return fmt.Errorf("driver %s is not available: %w", driverID, errs.ErrConflict)
	}
	return nil
}

func (r *RedisPool) Release(ctx context.Context, driverID, rideID string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{metaKey(driverID)}, rideID, r.geoKey, driverID).Int()
	if err != nil {
		return fmt.Errorf("release driver %s: %w", driverID, err)
	}
	if res == resNotFound {
		return fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
	}
	return nil
}

func (r *RedisPool) geoSet(v models.VehicleType) string { return r.geoKey + ":" + string(v) }

func metaKey(id string) string { return "driver:meta:" + id }

func driverFromHash(id string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:                 id,
		Name:               m["name"],
		VehicleDescription: m["vehicle"],
		Plate:              m["plate"],
		VehicleType:        models.VehicleType(m["vehicle_type"]),
		Availability:       models.Availability(m["availability"]),
		CurrentRideID:      m["current_ride"],
	}
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = v
	}
	lat, errLat := strconv.ParseFloat(m["lat"], 64)
	lng, errLng := strconv.ParseFloat(m["lng"], 64)
	ts, errTs := strconv.ParseInt(m["loc_ts"], 10, 64)
	if errLat == nil && errLng == nil && errTs == nil {
		d.Location = &models.DriverLocation{
			Coord:      models.Coord{Lat: lat, Lon: lng},
			ReportedAt: time.UnixMilli(ts).UTC(),
		}
	}
	return d
}
