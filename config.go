package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	Detection struct {
		WindowSeconds   int           `yaml:"window_seconds"`
		MinDataPoints   int           `yaml:"min_data_points"`
		ZScoreThreshold float64       `yaml:"zscore_threshold"`
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		AutoBlockValue  float64       `yaml:"auto_block_value"`
	} `yaml:"detection"`

	RateLimit struct {
		WindowSeconds int   `yaml:"window_seconds"`
		MaxRequests   int64 `yaml:"max_requests"`
	} `yaml:"rate_limit"`

	Verification struct {
		RiskScoreThreshold   float64       `yaml:"risk_score_threshold"`
		CaptchaThreshold     int64         `yaml:"captcha_threshold"`
		JSChallengeThreshold int64         `yaml:"js_challenge_threshold"`
		VerifiedTTL          time.Duration `yaml:"verified_ttl"`
		BlockTTL             time.Duration `yaml:"block_ttl"`
	} `yaml:"verification"`

	ThreatIntel struct {
		URL         string        `yaml:"url"`
		APIKey      string        `yaml:"api_key"`
		Timeout     time.Duration `yaml:"timeout"`
		GeoIPDBPath string        `yaml:"geoip_db_path"`
	} `yaml:"threat_intel"`

	Cloudflare struct {
		BaseURL        string        `yaml:"base_url"`
		Email          string        `yaml:"email"`
		APIKey         string        `yaml:"api_key"`
		ZoneID         string        `yaml:"zone_id"`
		Timeout        time.Duration `yaml:"timeout"`
		CallsPerSecond float64       `yaml:"calls_per_second"`
		Burst          int           `yaml:"burst"`
	} `yaml:"cloudflare"`

	Dashboard struct {
		Window time.Duration `yaml:"window"`
		Bucket time.Duration `yaml:"bucket"`
		TopN   int           `yaml:"top_n"`
	} `yaml:"dashboard"`

	WebhookURL string `yaml:"webhook_url"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Secrets and deployment addresses can be overridden from the
	// environment so the config file stays checked-in safe.
	if val := os.Getenv("SURGEGUARD_LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}
	if val := os.Getenv("SURGEGUARD_REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("SURGEGUARD_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("SURGEGUARD_TI_API_KEY"); val != "" {
		cfg.ThreatIntel.APIKey = val
	}
	if val := os.Getenv("SURGEGUARD_CF_API_KEY"); val != "" {
		cfg.Cloudflare.APIKey = val
	}
	if val := os.Getenv("SURGEGUARD_CF_EMAIL"); val != "" {
		cfg.Cloudflare.Email = val
	}
	if val := os.Getenv("SURGEGUARD_CF_ZONE_ID"); val != "" {
		cfg.Cloudflare.ZoneID = val
	}
	if val := os.Getenv("SURGEGUARD_WEBHOOK_URL"); val != "" {
		cfg.WebhookURL = val
	}

	setDefaults(&cfg)
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.Detection.WindowSeconds == 0 {
		cfg.Detection.WindowSeconds = 60
	}
	if cfg.Detection.MinDataPoints == 0 {
		cfg.Detection.MinDataPoints = 30
	}
	if cfg.Detection.ZScoreThreshold == 0 {
		cfg.Detection.ZScoreThreshold = 3.0
	}
	if cfg.Detection.SweepInterval == 0 {
		cfg.Detection.SweepInterval = 30 * time.Second
	}
	if cfg.Detection.AutoBlockValue == 0 {
		cfg.Detection.AutoBlockValue = 100
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 1000
	}
	if cfg.Verification.RiskScoreThreshold == 0 {
		cfg.Verification.RiskScoreThreshold = 70
	}
	if cfg.Verification.CaptchaThreshold == 0 {
		cfg.Verification.CaptchaThreshold = 100
	}
	if cfg.Verification.JSChallengeThreshold == 0 {
		cfg.Verification.JSChallengeThreshold = 50
	}
	if cfg.Verification.VerifiedTTL == 0 {
		cfg.Verification.VerifiedTTL = time.Hour
	}
	if cfg.Verification.BlockTTL == 0 {
		cfg.Verification.BlockTTL = time.Hour
	}
	if cfg.ThreatIntel.Timeout == 0 {
		cfg.ThreatIntel.Timeout = 2 * time.Second
	}
	if cfg.Cloudflare.BaseURL == "" {
		cfg.Cloudflare.BaseURL = "https://api.cloudflare.com/client/v4"
	}
	if cfg.Cloudflare.Timeout == 0 {
		cfg.Cloudflare.Timeout = 10 * time.Second
	}
	if cfg.Cloudflare.CallsPerSecond == 0 {
		cfg.Cloudflare.CallsPerSecond = 4
	}
	if cfg.Cloudflare.Burst == 0 {
		cfg.Cloudflare.Burst = 10
	}
	if cfg.Dashboard.Window == 0 {
		cfg.Dashboard.Window = time.Hour
	}
	if cfg.Dashboard.Bucket == 0 {
		cfg.Dashboard.Bucket = time.Minute
	}
	if cfg.Dashboard.TopN == 0 {
		cfg.Dashboard.TopN = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
