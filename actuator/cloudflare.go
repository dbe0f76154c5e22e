// Package actuator drives the external firewall control surface and keeps
// the local registry of blocked, challenged, monitored and verified clients.
package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable marks a firewall call that did not take effect. Callers
// report it as success=false; it is never surfaced to the end client.
var ErrUnavailable = errors.New("actuator: firewall unavailable")

// Firewall creates enforcement rules on the upstream provider. Idempotency
// is the caller's responsibility.
type Firewall interface {
	CreateBlockRule(ctx context.Context, ip string) error
	CreateChallengeRule(ctx context.Context, ip string) error
}

// Config for the Cloudflare firewall-rules client.
type Config struct {
	BaseURL string
	Email   string
	APIKey  string
	ZoneID  string
	Timeout time.Duration
	// CallsPerSecond / Burst bound the outbound rule-creation rate so a
	// sweep over many anomalous IPs cannot stampede the provider API.
	CallsPerSecond float64
	Burst          int
}

// Cloudflare posts firewall rules to the Cloudflare v4 API.
type Cloudflare struct {
	cfg  Config
	http *http.Client
	lim  *rate.Limiter
	log  *zap.Logger
}

func NewCloudflare(cfg Config, log *zap.Logger) *Cloudflare {
	return &Cloudflare{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		lim:  rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
		log:  log,
	}
}

func (c *Cloudflare) CreateBlockRule(ctx context.Context, ip string) error {
	return c.createRule(ctx, ip, "block", 1, fmt.Sprintf("surgeguard - blocked %s", ip))
}

func (c *Cloudflare) CreateChallengeRule(ctx context.Context, ip string) error {
	return c.createRule(ctx, ip, "challenge", 2, fmt.Sprintf("surgeguard - challenge %s", ip))
}

type firewallRule struct {
	Description string         `json:"description"`
	Action      string         `json:"action"`
	Filter      firewallFilter `json:"filter"`
	Priority    int            `json:"priority"`
}

type firewallFilter struct {
	Expression string `json:"expression"`
	Paused     bool   `json:"paused"`
}

func (c *Cloudflare) createRule(ctx context.Context, ip, action string, priority int, description string) error {
	if err := c.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rule rate bound: %v: %w", err, ErrUnavailable)
	}

	body, err := json.Marshal(firewallRule{
		Description: description,
		Action:      action,
		Filter:      firewallFilter{Expression: fmt.Sprintf("ip.src eq %s", ip)},
		Priority:    priority,
	})
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}

	endpoint := fmt.Sprintf("%s/zones/%s/firewall/rules", c.cfg.BaseURL, c.cfg.ZoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rule request: %w", err)
	}
	req.Header.Set("X-Auth-Email", c.cfg.Email)
	req.Header.Set("X-Auth-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("firewall rule creation failed",
			zap.String("ip", ip), zap.String("action", action), zap.Error(err))
		return fmt.Errorf("create %s rule for %s: %v: %w", action, ip, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.log.Warn("firewall rejected rule",
			zap.String("ip", ip), zap.String("action", action), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("create %s rule for %s: status %d: %w", action, ip, resp.StatusCode, ErrUnavailable)
	}

	c.log.Info("firewall rule created", zap.String("ip", ip), zap.String("action", action))
	return nil
}
