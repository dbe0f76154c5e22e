package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore backs the TimeSeries interface with RedisTimeSeries and the KV
// interface with plain Redis strings. Single-key atomicity is the only
// consistency guarantee the engine relies on.
type RedisStore struct {
	Client *redis.Client
	log    *zap.Logger
}

func NewRedisStore(addr, password string, log *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &RedisStore{Client: client, log: log}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisStore) Create(ctx context.Context, key string, retention time.Duration) error {
	opts := &redis.TSOptions{Retention: int(retention.Milliseconds())}
	err := s.Client.TSCreateWithArgs(ctx, key, opts).Err()
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func (s *RedisStore) Add(ctx context.Context, key string, ts int64, value float64, merge MergePolicy) error {
	opts := &redis.TSOptions{
		Retention:       DefaultRetention,
		DuplicatePolicy: string(merge),
	}
	err := s.Client.TSAddWithArgs(ctx, key, ts, value, opts).Err()
	if err != nil && isMissingSeries(err) {
		// Per-path and per-IP series appear on first traffic; create lazily.
		if cerr := s.Create(ctx, key, time.Duration(DefaultRetention)*time.Millisecond); cerr != nil {
			return cerr
		}
		err = s.Client.TSAddWithArgs(ctx, key, ts, value, opts).Err()
	}
	return err
}

func (s *RedisStore) Range(ctx context.Context, key string, from, to int64) ([]Sample, error) {
	points, err := s.Client.TSRange(ctx, key, int(from), int(to)).Result()
	if err != nil {
		if isMissingSeries(err) {
			return nil, fmt.Errorf("series %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return toSamples(points), nil
}

func (s *RedisStore) RangeAggregated(ctx context.Context, key string, from, to int64, agg Aggregation, bucket time.Duration) ([]Sample, error) {
	aggregator := redis.Avg
	if agg == AggSum {
		aggregator = redis.Sum
	}
	opts := &redis.TSRangeOptions{
		Aggregator:     aggregator,
		BucketDuration: int(bucket.Milliseconds()),
	}
	points, err := s.Client.TSRangeWithArgs(ctx, key, int(from), int(to), opts).Result()
	if err != nil {
		if isMissingSeries(err) {
			return nil, fmt.Errorf("series %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return toSamples(points), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.Client.Del(ctx, key).Err()
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 {
		if err := s.Client.Expire(ctx, key, ttl).Err(); err != nil {
			s.log.Warn("failed to set counter expiry", zap.String("key", key), zap.Error(err))
		}
	}
	return val, nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) KeyIterator {
	return &redisKeyIterator{iter: s.Client.Scan(ctx, 0, pattern, 100).Iterator()}
}

type redisKeyIterator struct {
	iter *redis.ScanIterator
}

func (it *redisKeyIterator) Next(ctx context.Context) bool { return it.iter.Next(ctx) }
func (it *redisKeyIterator) Key() string                   { return it.iter.Val() }
func (it *redisKeyIterator) Err() error                    { return it.iter.Err() }

func toSamples(points []redis.TSTimestampValue) []Sample {
	samples := make([]Sample, 0, len(points))
	for _, p := range points {
		samples = append(samples, Sample{Timestamp: p.Timestamp, Value: p.Value})
	}
	return samples
}

func isMissingSeries(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || err == redis.Nil
}
