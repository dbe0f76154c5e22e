// Package stats computes sliding-window baselines and z-score anomaly
// signals over the metric store.
package stats

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"surgeguard/store"
)

// Config holds the detection thresholds, injected at construction.
type Config struct {
	// Window is the trailing interval statistics are computed over.
	Window time.Duration
	// MinDataPoints refuses evaluation below this sample count, so a thin
	// window can never produce a spurious anomaly.
	MinDataPoints int
	// ZScoreThreshold flags a sample as anomalous when |z| exceeds it
	// (strictly).
	ZScoreThreshold float64
}

// AnomalyResult is produced fresh on every evaluation; only the mean/stddev
// it derives are persisted, as baseline series for auditability.
type AnomalyResult struct {
	Metric    string  `json:"metric"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stddev"`
	ZScore    float64 `json:"zscore"`
	Anomalous bool    `json:"is_anomaly"`
	Threshold float64 `json:"threshold"`
}

// Engine evaluates metrics against their trailing-window baseline.
type Engine struct {
	ts  store.TimeSeries
	cfg Config
	log *zap.Logger
	now func() time.Time
}

func New(ts store.TimeSeries, cfg Config, log *zap.Logger) *Engine {
	return &Engine{ts: ts, cfg: cfg, log: log, now: time.Now}
}

// Evaluate computes the window statistics for a metric. It returns
// (nil, nil) when the series does not exist or holds fewer than
// MinDataPoints samples — absence of signal, not a fault. A store failure
// propagates as an error.
func (e *Engine) Evaluate(ctx context.Context, metric string) (*AnomalyResult, error) {
	nowMs := e.now().UnixMilli()
	from := nowMs - e.cfg.Window.Milliseconds()

	samples, err := e.ts.Range(ctx, metric, from, nowMs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.log.Debug("metric series not found", zap.String("metric", metric))
			return nil, nil
		}
		return nil, err
	}
	if len(samples) < e.cfg.MinDataPoints {
		return nil, nil
	}

	var sum float64
	current := samples[0]
	for _, p := range samples {
		sum += p.Value
		if p.Timestamp >= current.Timestamp {
			current = p
		}
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, p := range samples {
		d := p.Value - mean
		sq += d * d
	}
	// Population variance (divide by N): this is a streaming signal, not an
	// inference problem.
	stddev := math.Sqrt(sq / float64(len(samples)))

	zscore := 0.0
	if stddev != 0 {
		zscore = (current.Value - mean) / stddev
	}

	// Persist the baseline unconditionally so the avg/std series trend even
	// when nothing is anomalous. A failed write-back degrades observability
	// but never suppresses a computed signal.
	if err := e.ts.Add(ctx, store.AvgKey(metric), nowMs, mean, store.MergeNone); err != nil {
		e.log.Warn("failed to persist baseline mean", zap.String("metric", metric), zap.Error(err))
	}
	if err := e.ts.Add(ctx, store.StdKey(metric), nowMs, stddev, store.MergeNone); err != nil {
		e.log.Warn("failed to persist baseline stddev", zap.String("metric", metric), zap.Error(err))
	}

	return &AnomalyResult{
		Metric:    metric,
		Timestamp: nowMs,
		Value:     current.Value,
		Mean:      mean,
		StdDev:    stddev,
		ZScore:    zscore,
		Anomalous: math.Abs(zscore) > e.cfg.ZScoreThreshold,
		Threshold: e.cfg.ZScoreThreshold,
	}, nil
}
