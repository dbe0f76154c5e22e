// Package intel is the adapter for the external IP-reputation service. The
// service is treated as slow and unreliable: every lookup carries a strict
// timeout, and any failure degrades to "no threat signal" rather than
// failing the caller.
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

// ErrDegraded marks a lookup that produced no usable signal (timeout,
// transport failure, non-200). Callers check it with errors.Is and continue
// with the remaining signals.
var ErrDegraded = errors.New("intel: lookup degraded")

// Report is the reputation verdict for a single IP.
type Report struct {
	IP          string   `json:"ip"`
	RiskScore   float64  `json:"risk_score"`
	Categories  []string `json:"categories"`
	IsProxy     bool     `json:"is_proxy"`
	IsTor       bool     `json:"is_tor"`
	IsVPN       bool     `json:"is_vpn"`
	CountryCode string   `json:"country_code"`
	ASN         uint     `json:"asn"`
	ASNName     string   `json:"asn_name"`
}

// Checker is what the decision engine depends on.
type Checker interface {
	Lookup(ctx context.Context, ip string) (*Report, error)
}

// Config for the HTTP reputation client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// GeoIPDBPath optionally points at a MaxMind country database used to
	// annotate degraded lookups, so block-decision logs still carry origin
	// metadata when the reputation service is down.
	GeoIPDBPath string
}

// Client looks IPs up against the reputation HTTP API.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
	geo    *geoip2.Reader
	log    *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	c := &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
	if cfg.GeoIPDBPath != "" {
		db, err := geoip2.Open(cfg.GeoIPDBPath)
		if err != nil {
			log.Warn("GeoIP enrichment disabled: database not found",
				zap.String("path", cfg.GeoIPDBPath), zap.Error(err))
		} else {
			c.geo = db
		}
	}
	return c
}

// Lookup queries the reputation service. Timeouts, transport failures and
// non-200 responses all come back wrapped in ErrDegraded.
func (c *Client) Lookup(ctx context.Context, ip string) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url+"?ip="+url.QueryEscape(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("threat intelligence lookup failed",
			zap.String("ip", ip), zap.String("country", c.country(ip)), zap.Error(err))
		return nil, fmt.Errorf("lookup %s: %v: %w", ip, err, ErrDegraded)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("threat intelligence returned non-OK status",
			zap.String("ip", ip), zap.Int("status", resp.StatusCode),
			zap.String("country", c.country(ip)))
		return nil, fmt.Errorf("lookup %s: status %d: %w", ip, resp.StatusCode, ErrDegraded)
	}

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("lookup %s: decode: %v: %w", ip, err, ErrDegraded)
	}
	if report.CountryCode == "" {
		report.CountryCode = c.country(ip)
	}
	return &report, nil
}

// country resolves the country code from the local GeoIP database, if one
// is loaded. Best effort only.
func (c *Client) country(ip string) string {
	if c.geo == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := c.geo.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the GeoIP database handle.
func (c *Client) Close() error {
	if c.geo != nil {
		return c.geo.Close()
	}
	return nil
}
