// Package engine fuses the statistical, rate-limit and reputation signals
// into graduated access decisions, and drives the mitigation actuator. It is
// the only package holding business policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"surgeguard/actuator"
	"surgeguard/intel"
	"surgeguard/limiter"
	"surgeguard/metrics"
	"surgeguard/notifier"
	"surgeguard/stats"
	"surgeguard/store"
)

// Verification type labels returned to clients.
const (
	VerificationCached      = "cached"
	VerificationRateLimited = "rate_limited"
	VerificationThreatIntel = "threat_intel_blocked"
	VerificationCaptcha     = "captcha_required"
	VerificationJSChallenge = "js_challenge"
	VerificationCookie      = "cookie"
)

// Block reasons persisted in the registry.
const (
	ReasonThreatIntel = "threat_intel"
	ReasonAutoAnomaly = "auto_anomaly"
)

// Config holds every policy threshold, injected at construction.
type Config struct {
	// RiskScoreThreshold blocks an IP outright when the reputation score
	// exceeds it.
	RiskScoreThreshold float64
	// CaptchaThreshold / JSChallengeThreshold grade friction from the
	// window request count.
	CaptchaThreshold     int64
	JSChallengeThreshold int64
	// AutoBlockValue is the observed-value floor an anomalous IP series
	// must exceed before the sweep auto-blocks it.
	AutoBlockValue float64
	// VerifiedTTL and BlockTTL bound the registry entries.
	VerifiedTTL time.Duration
	BlockTTL    time.Duration
	// DashboardWindow/DashboardBucket/TopN shape the dashboard aggregation.
	DashboardWindow time.Duration
	DashboardBucket time.Duration
	TopN            int
}

// Engine wires the signal sources to the actuator.
type Engine struct {
	store    store.Store
	stats    *stats.Engine
	limiter  *limiter.FixedWindow
	intel    intel.Checker
	firewall actuator.Firewall
	registry *actuator.Registry
	notify   *notifier.Webhook
	cfg      Config
	log      *zap.Logger
}

func New(
	st store.Store,
	statsEngine *stats.Engine,
	lim *limiter.FixedWindow,
	checker intel.Checker,
	firewall actuator.Firewall,
	registry *actuator.Registry,
	notify *notifier.Webhook,
	cfg Config,
	log *zap.Logger,
) *Engine {
	return &Engine{
		store:    st,
		stats:    statsEngine,
		limiter:  lim,
		intel:    checker,
		firewall: firewall,
		registry: registry,
		notify:   notify,
		cfg:      cfg,
		log:      log,
	}
}

// VerifyRequest carries the client identity to judge.
type VerifyRequest struct {
	ClientIP  string            `json:"clientIP"`
	UserAgent string            `json:"userAgent"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// VerifyResult is the decision returned to the transport layer.
type VerifyResult struct {
	Verified         bool   `json:"verified"`
	VerificationType string `json:"verification_type"`
}

// Verify runs the per-request decision tree. Branches execute strictly in
// precedence order and each terminates the decision; a verified cache hit
// must never reach the reputation lookup. A store failure propagates as an
// error, distinct from any "not verified" decision.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	ip := req.ClientIP

	// 1. Cached verification: cheapest path.
	verified, err := e.registry.Has(ctx, actuator.StateVerified, ip)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verification lookup: %w", err)
	}
	if verified {
		return e.decide(true, VerificationCached), nil
	}

	// 2. Rate limit: protects the reputation lookup from overload.
	limited, count, err := e.limiter.Admit(ctx, ip)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("rate limit check: %w", err)
	}
	if limited {
		return e.decide(false, VerificationRateLimited), nil
	}

	// 3. Reputation: degraded lookups count as no signal.
	report, err := e.intel.Lookup(ctx, ip)
	if err != nil && !errors.Is(err, intel.ErrDegraded) {
		e.log.Warn("unexpected threat intelligence failure", zap.String("ip", ip), zap.Error(err))
	}
	if report != nil && report.RiskScore > e.cfg.RiskScoreThreshold {
		e.blockIP(ctx, ip, ReasonThreatIntel)
		e.log.Info("high-risk client blocked",
			zap.String("ip", ip),
			zap.Float64("risk_score", report.RiskScore),
			zap.String("country", report.CountryCode))
		return e.decide(false, VerificationThreatIntel), nil
	}

	// 4. Graduated friction from the window request count.
	switch {
	case count > e.cfg.CaptchaThreshold:
		return e.decide(false, VerificationCaptcha), nil
	case count > e.cfg.JSChallengeThreshold:
		return e.decide(false, VerificationJSChallenge), nil
	default:
		if err := e.registry.Mark(ctx, actuator.StateVerified, ip, VerificationCookie, e.cfg.VerifiedTTL); err != nil {
			return VerifyResult{}, fmt.Errorf("persist verification: %w", err)
		}
		return e.decide(true, VerificationCookie), nil
	}
}

func (e *Engine) decide(verified bool, vtype string) VerifyResult {
	metrics.VerificationDecisions.WithLabelValues(vtype).Inc()
	return VerifyResult{Verified: verified, VerificationType: vtype}
}

// blockIP issues the firewall rule and records the registry entry. The
// firewall failing does not undo the decision: the registry entry is written
// regardless so local enforcement and the dashboard stay consistent.
func (e *Engine) blockIP(ctx context.Context, ip, reason string) {
	if err := e.firewall.CreateBlockRule(ctx, ip); err != nil {
		metrics.FirewallFailures.Inc()
		e.log.Warn("firewall block failed, registry entry still recorded",
			zap.String("ip", ip), zap.String("reason", reason), zap.Error(err))
	}
	if err := e.registry.Mark(ctx, actuator.StateBlocked, ip, reason, e.cfg.BlockTTL); err != nil {
		e.log.Error("failed to record block", zap.String("ip", ip), zap.Error(err))
		return
	}
	metrics.BlocksIssued.WithLabelValues(reason).Inc()
	e.notify.Alert(fmt.Sprintf("blocked %s (%s)", ip, reason), "high")
}
