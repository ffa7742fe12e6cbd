package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// enqueueAttempts bounds retries on the schedule write; losing a scheduled
// check strands its deployment until something re-triggers it.
const enqueueAttempts = 5

// RedisScheduler stores due-times for deployment checks in a sorted set. One
// member exists per deployment name, so rescheduling overwrites the due time
// and steady state carries exactly one outstanding check per key.
type RedisScheduler struct {
	client *redis.Client
	key    string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisScheduler connects to Redis and verifies the connection.
func NewRedisScheduler(addr, password string, db int, key string, logger *slog.Logger) (*RedisScheduler, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisScheduler{client: client, key: key, logger: logger, now: time.Now}, nil
}

// ScheduleCheck enqueues a re-invocation of the state machine for name after
// delay. Delivery is at-least-once; callers must tolerate duplicates.
func (s *RedisScheduler) ScheduleCheck(ctx context.Context, name string, delay time.Duration) error {
	due := s.now().Add(delay).UnixMilli()
	backoff := retry.WithMaxRetries(enqueueAttempts-1, retry.NewConstant(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(due), Member: name}).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule check for %s: %w", name, err)
	}
	s.logger.Debug("check scheduled", "deployment", name, "delay", delay)
	return nil
}

// PopDue claims every entry whose due time has passed. The ZREM guard means
// a member observed by two polling workers is dispatched by only one.
func (s *RedisScheduler) PopDue(ctx context.Context) ([]string, error) {
	max := strconv.FormatInt(s.now().UnixMilli(), 10)
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due checks: %w", err)
	}
	claimed := make([]string, 0, len(members))
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim due check %s: %w", member, err)
		}
		if removed > 0 {
			claimed = append(claimed, member)
		}
	}
	return claimed, nil
}

// Close releases the Redis connection.
func (s *RedisScheduler) Close() {
	_ = s.client.Close()
}
