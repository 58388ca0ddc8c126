// Package throttle implements the anti-enumeration delay applied to public
// endpoints: repeated NotFound/Forbidden outcomes from one origin earn a
// growing response delay instead of a distinguishable fast failure.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store tracks failed probes per origin key and answers how long the next
// response from that origin should be delayed.
type Store interface {
	// Register records one failed probe for key.
	Register(ctx context.Context, key string) error
	// Delay returns the delay to apply before responding to key.
	Delay(ctx context.Context, key string) (time.Duration, error)
}

// RedisStore keeps the per-origin counters in Redis so the delay holds
// across server instances.
type RedisStore struct {
	rdb    *redis.Client
	window time.Duration
	step   time.Duration
	max    time.Duration
}

// NewRedisStore builds a store with the given counting window and delay
// step. The delay grows linearly with the failure count, capped at max.
func NewRedisStore(rdb *redis.Client, window, step, max time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, window: window, step: step, max: max}
}

func key(origin string) string {
	return fmt.Sprintf("signflow:throttle:%s", origin)
}

func (s *RedisStore) Register(ctx context.Context, origin string) error {
	k := key(origin)
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, s.window)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delay(ctx context.Context, origin string) (time.Duration, error) {
	n, err := s.rdb.Get(ctx, key(origin)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return s.delayFor(n), nil
}

func (s *RedisStore) delayFor(n int64) time.Duration {
	d := time.Duration(n) * s.step
	if d > s.max {
		d = s.max
	}
	return d
}
