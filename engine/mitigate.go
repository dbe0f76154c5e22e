package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"surgeguard/actuator"
	"surgeguard/metrics"
)

// Mitigation action types accepted from operators.
const (
	ActionBlock     = "block"
	ActionChallenge = "challenge"
	ActionMonitor   = "monitor"
)

// MitigationAction is a manual operator request.
type MitigationAction struct {
	ActionType string `json:"action_type"`
	Target     string `json:"target"`
	Duration   int    `json:"duration"` // seconds
	Reason     string `json:"reason"`
}

// Mitigate applies a manual action. External-call failures resolve to
// success=false and are never raised past this operation; monitor needs no
// external call and always succeeds. Registry entries are persisted only
// when the corresponding firewall rule took effect.
func (e *Engine) Mitigate(ctx context.Context, action MitigationAction) bool {
	ttl := time.Duration(action.Duration) * time.Second
	auditID := uuid.NewString()
	log := e.log.With(
		zap.String("action_id", auditID),
		zap.String("action", action.ActionType),
		zap.String("target", action.Target),
		zap.String("reason", action.Reason))

	switch action.ActionType {
	case ActionBlock:
		if err := e.firewall.CreateBlockRule(ctx, action.Target); err != nil {
			metrics.FirewallFailures.Inc()
			log.Warn("manual block failed", zap.Error(err))
			return false
		}
		if err := e.registry.Mark(ctx, actuator.StateBlocked, action.Target, action.Reason, ttl); err != nil {
			log.Error("manual block applied but registry write failed", zap.Error(err))
		}
		metrics.BlocksIssued.WithLabelValues("manual").Inc()
		e.notify.Alert(fmt.Sprintf("manual block of %s: %s", action.Target, action.Reason), "high")
		log.Info("manual block applied")
		return true

	case ActionChallenge:
		if err := e.firewall.CreateChallengeRule(ctx, action.Target); err != nil {
			metrics.FirewallFailures.Inc()
			log.Warn("manual challenge failed", zap.Error(err))
			return false
		}
		if err := e.registry.Mark(ctx, actuator.StateChallenged, action.Target, action.Reason, ttl); err != nil {
			log.Error("challenge applied but registry write failed", zap.Error(err))
		}
		log.Info("manual challenge applied")
		return true

	default:
		// Monitor: local bookkeeping only, no external call.
		if err := e.registry.Mark(ctx, actuator.StateMonitored, action.Target, action.Reason, ttl); err != nil {
			log.Error("failed to record monitored target", zap.Error(err))
		}
		log.Info("target placed under monitoring")
		return true
	}
}
