package matcher

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
)

var pickup = models.Coord{Lat: 12.9716, Lon: 77.5946}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newService(t *testing.T, drivers map[string]models.Coord) (*Service, *clock) {
	t.Helper()
	p := pool.NewMemoryPool()
	ctx := context.Background()
	for id, at := range drivers {
		_, err := p.Register(ctx, models.Driver{ID: id, Name: id, VehicleType: models.VehicleStandard})
		require.NoError(t, err)
		require.NoError(t, p.UpdateLocation(ctx, id, at, time.Now()))
		require.NoError(t, p.SetAvailability(ctx, id, models.Available))
	}
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := New(p, NewMemoryAttemptLog())
	s.Now = c.now
	return s, c
}

func searchingRide(id string) *models.Ride {
	pu := pickup
	return &models.Ride{ID: id, VehicleType: models.VehicleStandard, Status: models.StatusSearching, Pickup: models.Location{Coord: &pu}}
}

func TestMatchNearestWins(t *testing.T) {
	s, _ := newService(t, map[string]models.Coord{
		"far":  {Lat: pickup.Lat + 0.02, Lon: pickup.Lon},
		"near": {Lat: pickup.Lat + 0.002, Lon: pickup.Lon},
	})
	c, ok, err := s.Match(context.Background(), searchingRide("r1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "near", c.Driver.ID)
	assert.Greater(t, c.DistanceKm, 0.0)
}

func TestMatchTieBreaksOnLowerID(t *testing.T) {
	same := models.Coord{Lat: pickup.Lat + 0.001, Lon: pickup.Lon}
	s, _ := newService(t, map[string]models.Coord{"d9": same, "d2": same, "d5": same})
	c, ok, err := s.Match(context.Background(), searchingRide("r1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d2", c.Driver.ID)
}

func TestMatchNoDrivers(t *testing.T) {
	s, _ := newService(t, nil)
	_, ok, err := s.Match(context.Background(), searchingRide("r1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchWrongVehicleType(t *testing.T) {
	s, _ := newService(t, map[string]models.Coord{"d1": pickup})
	r := searchingRide("r1")
	r.VehicleType = models.VehiclePremium
	_, ok, err := s.Match(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchReachesDistantDriverWithoutRadius(t *testing.T) {
	// roughly 6 km north of the pickup
	s, _ := newService(t, map[string]models.Coord{"d1": {Lat: pickup.Lat + 0.054, Lon: pickup.Lon}})
	c, ok, err := s.Match(context.Background(), searchingRide("r1"))
	require.NoError(t, err)
	require.True(t, ok, "the only matching driver is offered however far away")
	assert.Equal(t, "d1", c.Driver.ID)
	assert.Greater(t, c.DistanceKm, 5.0)

	s.RadiusKm = 5
	_, ok, err = s.Match(context.Background(), searchingRide("r2"))
	require.NoError(t, err)
	assert.False(t, ok, "an explicit radius still bounds the search")
}

func TestMatchCooldownExcludesOfferedDrivers(t *testing.T) {
	s, clk := newService(t, map[string]models.Coord{
		"d1": {Lat: pickup.Lat + 0.001, Lon: pickup.Lon},
		"d2": {Lat: pickup.Lat + 0.005, Lon: pickup.Lon},
	})
	ctx := context.Background()
	r := searchingRide("r1")

	first, ok, err := s.Match(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", first.Driver.ID)

	clk.advance(10 * time.Second)
	second, ok, err := s.Match(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d2", second.Driver.ID, "d1 is still cooling down")

	clk.advance(10 * time.Second)
	_, ok, err = s.Match(ctx, r)
	require.NoError(t, err)
	assert.False(t, ok, "every candidate was offered within the window")

	// other rides are unaffected
	c, ok, err := s.Match(ctx, searchingRide("r2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", c.Driver.ID)

	clk.advance(DefaultCooldown)
	again, ok, err := s.Match(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", again.Driver.ID, "window elapsed")
}

func TestForgetClearsHistory(t *testing.T) {
	s, _ := newService(t, map[string]models.Coord{"d1": pickup})
	ctx := context.Background()
	r := searchingRide("r1")
	_, ok, err := s.Match(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Forget(ctx, r.ID))
	c, ok, err := s.Match(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", c.Driver.ID)
}

func TestMatchRequiresPickupCoordinates(t *testing.T) {
	s, _ := newService(t, map[string]models.Coord{"d1": pickup})
	r := searchingRide("r1")
	r.Pickup.Coord = nil
	_, _, err := s.Match(context.Background(), r)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestRedisAttemptLog(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping redis attempt log test")
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer c.Close()
	ctx := context.Background()
	l := NewRedisAttemptLog(c)
	ride := fmt.Sprintf("ride-%d", time.Now().UnixNano())
	base := time.Now()

	require.NoError(t, l.Record(ctx, models.MatchAttempt{RideID: ride, DriverID: "old", AttemptedAt: base.Add(-2 * time.Minute)}, time.Minute))
	require.NoError(t, l.Record(ctx, models.MatchAttempt{RideID: ride, DriverID: "new", AttemptedAt: base}, time.Minute))

	ids, err := l.Recent(ctx, ride, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)

	require.NoError(t, l.Forget(ctx, ride))
	ids, err = l.Recent(ctx, ride, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
