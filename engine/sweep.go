package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"surgeguard/actuator"
	"surgeguard/metrics"
	"surgeguard/stats"
	"surgeguard/store"
)

type ipObservation struct {
	ip    string
	value float64
}

// Sweep evaluates every tracked metric for anomalies: the three global
// aggregates first, then the per-path and per-IP key spaces. Anomalous
// IP-scoped series whose observed value exceeds the auto-block floor are
// blocked through the actuator; the block is idempotent against IPs already
// in the registry (TTL refresh, no second firewall call). The returned set
// carries every anomaly regardless of side effects.
func (e *Engine) Sweep(ctx context.Context) ([]stats.AnomalyResult, error) {
	started := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	anomalies := []stats.AnomalyResult{}

	for _, metric := range []string{store.KeyTotalRPS, store.KeyResponseTime, store.KeyErrorRate} {
		result, err := e.stats.Evaluate(ctx, metric)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", metric, err)
		}
		if result != nil && result.Anomalous {
			metrics.AnomaliesDetected.WithLabelValues("global").Inc()
			anomalies = append(anomalies, *result)
		}
	}

	pathAnomalies, _, err := e.sweepPattern(ctx, store.PathPattern, "path")
	if err != nil {
		return nil, err
	}
	anomalies = append(anomalies, pathAnomalies...)

	ipAnomalies, observations, err := e.sweepPattern(ctx, store.IPPattern, "ip")
	if err != nil {
		return nil, err
	}
	anomalies = append(anomalies, ipAnomalies...)

	e.autoBlock(ctx, observations)

	return anomalies, nil
}

// sweepPattern evaluates every raw series matching the pattern, skipping the
// derived avg/std keys. For IP-scoped series it also returns the observed
// values feeding the auto-block rule.
func (e *Engine) sweepPattern(ctx context.Context, pattern, class string) ([]stats.AnomalyResult, []ipObservation, error) {
	var anomalies []stats.AnomalyResult
	var observations []ipObservation

	it := e.store.Scan(ctx, pattern)
	for it.Next(ctx) {
		key := it.Key()
		if store.IsDerived(key) {
			continue
		}
		result, err := e.stats.Evaluate(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("evaluate %s: %w", key, err)
		}
		if result == nil || !result.Anomalous {
			continue
		}
		metrics.AnomaliesDetected.WithLabelValues(class).Inc()
		anomalies = append(anomalies, *result)
		if class == "ip" {
			observations = append(observations, ipObservation{ip: store.IPFromKey(key), value: result.Value})
		}
	}
	if err := it.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return anomalies, observations, nil
}

// autoBlock applies the mitigation rule to anomalous IPs. Actuator failures
// degrade: they are logged and counted, never propagated, so one flaky
// firewall call cannot abort the sweep.
func (e *Engine) autoBlock(ctx context.Context, observations []ipObservation) {
	for _, obs := range observations {
		if obs.value <= e.cfg.AutoBlockValue {
			continue
		}

		blocked, err := e.registry.Has(ctx, actuator.StateBlocked, obs.ip)
		if err != nil {
			e.log.Warn("blocked-registry lookup failed during sweep",
				zap.String("ip", obs.ip), zap.Error(err))
			continue
		}
		if blocked {
			// Already enforced: refresh the TTL, skip the firewall call.
			if err := e.registry.Mark(ctx, actuator.StateBlocked, obs.ip, ReasonAutoAnomaly, e.cfg.BlockTTL); err != nil {
				e.log.Warn("failed to refresh block TTL", zap.String("ip", obs.ip), zap.Error(err))
			}
			continue
		}

		e.blockIP(ctx, obs.ip, ReasonAutoAnomaly)
		e.log.Info("auto-blocked anomalous IP",
			zap.String("ip", obs.ip), zap.Float64("value", obs.value))
	}
}
