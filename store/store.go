package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a key (or time series) does not exist. A missing
// key is a normal state for metrics that have seen no traffic yet; callers
// should treat it as "no signal", not as a store failure.
var ErrNotFound = errors.New("store: key not found")

// MergePolicy controls what happens when two samples land on the same
// millisecond timestamp of a series.
type MergePolicy string

const (
	// MergeAdditive sums colliding samples. Used for counter-type series
	// (request counts, error flags).
	MergeAdditive MergePolicy = "SUM"
	// MergeNone keeps the last write for a colliding timestamp. Used for
	// gauge-type series (response time, derived avg/std).
	MergeNone MergePolicy = "LAST"
)

// Aggregation selects the bucket reducer for aggregated range reads.
type Aggregation string

const (
	AggSum Aggregation = "sum"
	AggAvg Aggregation = "avg"
)

// Sample is a single (timestamp, value) point. Timestamps are milliseconds
// since epoch throughout.
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// TimeSeries is the narrow adapter over the external time-series store.
type TimeSeries interface {
	// Create registers a series with the given retention. It is a no-op if
	// the series already exists.
	Create(ctx context.Context, key string, retention time.Duration) error
	// Add appends a sample, creating the series on first write.
	Add(ctx context.Context, key string, ts int64, value float64, merge MergePolicy) error
	// Range returns the samples in [from, to], ordered by timestamp.
	// Returns ErrNotFound if the series does not exist.
	Range(ctx context.Context, key string, from, to int64) ([]Sample, error)
	// RangeAggregated returns one reduced sample per bucket over [from, to].
	RangeAggregated(ctx context.Context, key string, from, to int64, agg Aggregation, bucket time.Duration) ([]Sample, error)
}

// KV is the narrow adapter over the external key-value store.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Increment atomically increments a counter. The ttl is applied only
	// when the counter is created, so the window does not slide with every
	// write.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Scan lazily walks the keys matching pattern, one page at a time.
	Scan(ctx context.Context, pattern string) KeyIterator
}

// KeyIterator is a restartable cursor over a key pattern. Usage mirrors
// bufio.Scanner: Next advances, Key reads, Err reports after exhaustion.
type KeyIterator interface {
	Next(ctx context.Context) bool
	Key() string
	Err() error
}

// Store is the combined backend interface. Both the Redis and the in-memory
// implementations satisfy it.
type Store interface {
	TimeSeries
	KV
}
