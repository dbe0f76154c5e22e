package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"surgeguard/actuator"
	"surgeguard/store"
)

// TimePoint is a dashboard series point; timestamps are seconds since epoch
// for chart consumption.
type TimePoint struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

type PathCount struct {
	Path     string  `json:"path"`
	Requests float64 `json:"requests"`
}

type IPCount struct {
	IP       string  `json:"ip"`
	Requests float64 `json:"requests"`
}

// Dashboard aggregates the last DashboardWindow of traffic for reporting.
type Dashboard struct {
	TotalRPS      []TimePoint             `json:"total_rps"`
	ResponseTimes []TimePoint             `json:"response_times"`
	ErrorRates    []TimePoint             `json:"error_rates"`
	TopPaths      []PathCount             `json:"top_paths"`
	TopIPs        []IPCount               `json:"top_ips"`
	BlockedIPs    []actuator.BlockedEntry `json:"blocked_ips"`
}

// DashboardMetrics assembles the reporting view: bucketed averages of the
// global series, the top-N paths and IPs by request volume, and the blocked
// registry. Series that have seen no traffic come back empty, not as errors.
func (e *Engine) DashboardMetrics(ctx context.Context) (*Dashboard, error) {
	to := time.Now().UnixMilli()
	from := to - e.cfg.DashboardWindow.Milliseconds()

	totalRPS, err := e.bucketedSeries(ctx, store.KeyTotalRPS, from, to, 1)
	if err != nil {
		return nil, err
	}
	responseTimes, err := e.bucketedSeries(ctx, store.KeyResponseTime, from, to, 1)
	if err != nil {
		return nil, err
	}
	// Error flags are 0/1 per request; the bucket average scaled by 100 is
	// the error percentage.
	errorRates, err := e.bucketedSeries(ctx, store.KeyErrorRate, from, to, 100)
	if err != nil {
		return nil, err
	}

	pathTotals, err := e.volumeByKey(ctx, store.PathPattern, from, to)
	if err != nil {
		return nil, err
	}
	topPaths := []PathCount{}
	for _, kv := range topN(pathTotals, e.cfg.TopN) {
		topPaths = append(topPaths, PathCount{Path: store.PathFromKey(kv.key), Requests: kv.value})
	}

	ipTotals, err := e.volumeByKey(ctx, store.IPPattern, from, to)
	if err != nil {
		return nil, err
	}
	topIPs := []IPCount{}
	for _, kv := range topN(ipTotals, e.cfg.TopN) {
		topIPs = append(topIPs, IPCount{IP: store.IPFromKey(kv.key), Requests: kv.value})
	}

	blocked, err := e.registry.ListBlocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}

	return &Dashboard{
		TotalRPS:      totalRPS,
		ResponseTimes: responseTimes,
		ErrorRates:    errorRates,
		TopPaths:      topPaths,
		TopIPs:        topIPs,
		BlockedIPs:    blocked,
	}, nil
}

func (e *Engine) bucketedSeries(ctx context.Context, key string, from, to int64, scale float64) ([]TimePoint, error) {
	samples, err := e.store.RangeAggregated(ctx, key, from, to, store.AggAvg, e.cfg.DashboardBucket)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []TimePoint{}, nil
		}
		return nil, fmt.Errorf("range %s: %w", key, err)
	}

	points := make([]TimePoint, 0, len(samples))
	for _, s := range samples {
		points = append(points, TimePoint{
			Timestamp: float64(s.Timestamp) / 1000,
			Value:     s.Value * scale,
		})
	}
	return points, nil
}

type keyVolume struct {
	key   string
	value float64
}

// volumeByKey sums each matching series over the window. Bucket boundaries
// align to epoch multiples, so a window can straddle two buckets; the total
// is the sum across all of them.
func (e *Engine) volumeByKey(ctx context.Context, pattern string, from, to int64) ([]keyVolume, error) {
	var totals []keyVolume

	it := e.store.Scan(ctx, pattern)
	for it.Next(ctx) {
		key := it.Key()
		if store.IsDerived(key) {
			continue
		}
		samples, err := e.store.RangeAggregated(ctx, key, from, to, store.AggSum, e.cfg.DashboardWindow)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("range %s: %w", key, err)
		}
		if len(samples) == 0 {
			continue
		}
		var total float64
		for _, s := range samples {
			total += s.Value
		}
		totals = append(totals, keyVolume{key: key, value: total})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return totals, nil
}

func topN(totals []keyVolume, n int) []keyVolume {
	sort.Slice(totals, func(i, j int) bool { return totals[i].value > totals[j].value })
	if len(totals) > n {
		totals = totals[:n]
	}
	return totals
}
