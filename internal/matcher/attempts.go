package matcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// AttemptLog remembers which drivers were offered a ride and when.
type AttemptLog interface {
	Record(ctx context.Context, a models.MatchAttempt, ttl time.Duration) error
	// Recent returns the drivers offered rideID at or after since.
	Recent(ctx context.Context, rideID string, since time.Time) ([]string, error)
	Forget(ctx context.Context, rideID string) error
}

type MemoryAttemptLog struct {
	mu       sync.Mutex
	attempts map[string][]models.MatchAttempt
}

func NewMemoryAttemptLog() *MemoryAttemptLog {
	return &MemoryAttemptLog{attempts: make(map[string][]models.MatchAttempt)}
}

func (l *MemoryAttemptLog) Record(_ context.Context, a models.MatchAttempt, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[a.RideID] = append(l.attempts[a.RideID], a)
	return nil
}

func (l *MemoryAttemptLog) Recent(_ context.Context, rideID string, since time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.attempts[rideID][:0]
	var ids []string
	for _, a := range l.attempts[rideID] {
		if a.AttemptedAt.Before(since) {
			continue
		}
		kept = append(kept, a)
		ids = append(ids, a.DriverID)
	}
	if len(kept) == 0 {
		delete(l.attempts, rideID)
	} else {
		l.attempts[rideID] = kept
	}
	return ids, nil
}

func (l *MemoryAttemptLog) Forget(_ context.Context, rideID string) error {
	l.mu.Lock()
	delete(l.attempts, rideID)
	l.mu.Unlock()
	return nil
}

// RedisAttemptLog keeps one sorted set per ride, member = driver id, score =
// offer time in unix milliseconds. The key expires one window after the last
// offer.
type RedisAttemptLog struct {
	client *redis.Client
	prefix string
}

func NewRedisAttemptLog(client *redis.Client) *RedisAttemptLog {
	return &RedisAttemptLog{client: client, prefix: "match:attempts:"}
}

func (l *RedisAttemptLog) Record(ctx context.Context, a models.MatchAttempt, ttl time.Duration) error {
	key := l.prefix + a.RideID
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(a.AttemptedAt.UnixMilli()), Member: a.DriverID})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (l *RedisAttemptLog) Recent(ctx context.Context, rideID string, since time.Time) ([]string, error) {
	ids, err := l.client.ZRangeByScore(ctx, l.prefix+rideID, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("recent attempts: %w", err)
	}
	return ids, nil
}

func (l *RedisAttemptLog) Forget(ctx context.Context, rideID string) error {
	return l.client.Del(ctx, l.prefix+rideID).Err()
}
