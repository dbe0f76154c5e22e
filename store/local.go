package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LocalStore is the in-memory fallback used when no Redis address is
// configured, and the backend the tests run against. It mirrors the Redis
// semantics the engine depends on: additive merge on colliding timestamps,
// expiry-on-create counters, and paginated key scans.
type LocalStore struct {
	mu        sync.RWMutex
	series    map[string]*localSeries
	kv        map[string]localValue
	retention map[string]time.Duration
	now       func() time.Time
}

type localSeries struct {
	samples []Sample // kept ordered by timestamp
}

type localValue struct {
	val    string
	expiry time.Time // zero = no expiry
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		series:    make(map[string]*localSeries),
		kv:        make(map[string]localValue),
		retention: make(map[string]time.Duration),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests to drive counter expiry.
func (s *LocalStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *LocalStore) Create(_ context.Context, key string, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.series[key]; ok {
		return nil
	}
	s.series[key] = &localSeries{}
	s.retention[key] = retention
	return nil
}

func (s *LocalStore) Add(_ context.Context, key string, ts int64, value float64, merge MergePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[key]
	if !ok {
		ser = &localSeries{}
		s.series[key] = ser
		s.retention[key] = time.Duration(DefaultRetention) * time.Millisecond
	}

	idx := sort.Search(len(ser.samples), func(i int) bool { return ser.samples[i].Timestamp >= ts })
	if idx < len(ser.samples) && ser.samples[idx].Timestamp == ts {
		if merge == MergeAdditive {
			ser.samples[idx].Value += value
		} else {
			ser.samples[idx].Value = value
		}
		return nil
	}

	ser.samples = append(ser.samples, Sample{})
	copy(ser.samples[idx+1:], ser.samples[idx:])
	ser.samples[idx] = Sample{Timestamp: ts, Value: value}

	if ret := s.retention[key]; ret > 0 {
		cutoff := ts - ret.Milliseconds()
		trim := 0
		for trim < len(ser.samples) && ser.samples[trim].Timestamp < cutoff {
			trim++
		}
		ser.samples = ser.samples[trim:]
	}
	return nil
}

func (s *LocalStore) Range(_ context.Context, key string, from, to int64) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[key]
	if !ok {
		return nil, fmt.Errorf("series %s: %w", key, ErrNotFound)
	}

	var out []Sample
	for _, p := range ser.samples {
		if p.Timestamp >= from && p.Timestamp <= to {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *LocalStore) RangeAggregated(ctx context.Context, key string, from, to int64, agg Aggregation, bucket time.Duration) ([]Sample, error) {
	raw, err := s.Range(ctx, key, from, to)
	if err != nil {
		return nil, err
	}

	bucketMs := bucket.Milliseconds()
	type acc struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*acc)
	var order []int64
	for _, p := range raw {
		b := (p.Timestamp / bucketMs) * bucketMs
		a, ok := buckets[b]
		if !ok {
			a = &acc{}
			buckets[b] = a
			order = append(order, b)
		}
		a.sum += p.Value
		a.count++
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]Sample, 0, len(order))
	for _, b := range order {
		a := buckets[b]
		v := a.sum
		if agg == AggAvg {
			v = a.sum / float64(a.count)
		}
		out = append(out, Sample{Timestamp: b, Value: v})
	}
	return out, nil
}

func (s *LocalStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.kv[key]
	if !ok || s.expired(entry) {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return entry.val, nil
}

func (s *LocalStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := time.Time{}
	if ttl > 0 {
		expiry = s.now().Add(ttl)
	}
	s.kv[key] = localValue{val: value, expiry: expiry}
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *LocalStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.kv[key]
	if !ok || s.expired(entry) {
		s.kv[key] = localValue{val: "1", expiry: s.now().Add(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(entry.val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds non-integer value %q", key, entry.val)
	}
	n++
	entry.val = strconv.FormatInt(n, 10)
	s.kv[key] = entry
	return n, nil
}

func (s *LocalStore) Scan(_ context.Context, pattern string) KeyIterator {
	s.mu.RLock()
	var keys []string
	for k, v := range s.kv {
		if !s.expired(v) && matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	for k := range s.series {
		if matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return &localKeyIterator{keys: keys, pos: -1}
}

func (s *LocalStore) expired(v localValue) bool {
	return !v.expiry.IsZero() && s.now().After(v.expiry)
}

// matchPattern supports the prefix globs the engine actually scans with
// (e.g. "ddos:ip:*"); anything without a trailing star is an exact match.
func matchPattern(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

type localKeyIterator struct {
	keys []string
	pos  int
}

func (it *localKeyIterator) Next(_ context.Context) bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *localKeyIterator) Key() string {
	if it.pos >= 0 && it.pos < len(it.keys) {
		return it.keys[it.pos]
	}
	return ""
}

func (it *localKeyIterator) Err() error { return nil }
