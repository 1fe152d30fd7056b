package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore implements Store on a Redis connection pool.
type RedisStore struct {
	rdb   *redis.Client
	retry retryPolicy
	log   zerolog.Logger
}

// ConnectRedis opens a Redis connection from a redis:// URL and pings it.
func ConnectRedis(ctx context.Context, url string, log zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connected")
	return &RedisStore{rdb: rdb, retry: defaultRetry, log: log}, nil
}

// withRetry runs op, retrying transient errors with capped exponential
// backoff. redis.Nil is never retried; it means the key is absent.
func (s *RedisStore) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < s.retry.maxAttempts; attempt++ {
		err = op()
		if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt < s.retry.maxAttempts-1 {
			select {
			case <-time.After(s.retry.delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	s.log.Warn().Err(err).Msg("kv operation failed after retries")
	return errors.Join(ErrKvUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.withRetry(ctx, func() error {
		var err error
		val, err = s.rdb.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func() error {
		var err error
		ok, err = s.rdb.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Del(ctx, key).Err()
	})
}

func (s *RedisStore) ListAppend(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.RPush(ctx, key, value).Err()
	})
}

func (s *RedisStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.LTrim(ctx, key, start, stop).Err()
	})
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := s.withRetry(ctx, func() error {
		var err error
		vals, err = s.rdb.LRange(ctx, key, start, stop).Result()
		return err
	})
	return vals, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Expire(ctx, key, ttl).Err()
	})
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.SAdd(ctx, key, member).Err()
	})
}

func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.SRem(ctx, key, member).Err()
	})
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	var vals []string
	err := s.withRetry(ctx, func() error {
		var err error
		vals, err = s.rdb.SMembers(ctx, key).Result()
		return err
	})
	return vals, err
}

func (s *RedisStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func() error {
		var err error
		ok, err = s.rdb.SIsMember(ctx, key, member).Result()
		return err
	})
	return ok, err
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Publish(ctx, channel, payload).Err()
	})
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errors.Join(ErrKvUnavailable, err)
	}

	go func() {
		for msg := range sub.Channel() {
			handler(msg.Payload)
		}
	}()

	cancel := func() {
		if err := sub.Close(); err != nil {
			s.log.Debug().Err(err).Str("channel", channel).Msg("pubsub close")
		}
	}
	return cancel, nil
}

func (s *RedisStore) Close() error {
	s.log.Info().Msg("closing redis connection")
	return s.rdb.Close()
}
