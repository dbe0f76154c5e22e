package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"surgeguard/actuator"
	"surgeguard/api"
	"surgeguard/engine"
	"surgeguard/intel"
	"surgeguard/limiter"
	"surgeguard/notifier"
	"surgeguard/stats"
	"surgeguard/store"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting surgeguard",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("metrics_addr", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: Redis when configured, in-memory fallback otherwise.
	var activeStore store.Store = store.NewLocalStore()
	if cfg.Redis.Addr != "" {
		redisStore := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, logger)
		if err := redisStore.Ping(ctx); err != nil {
			logger.Fatal("Redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		activeStore = redisStore
		logger.Info("Distributed state initialized (Redis)", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Info("In-memory state initialized (local fallback)")
	}

	// Register the global aggregate series and their derived baselines up
	// front; per-path and per-IP series are created lazily on first traffic.
	retention := time.Duration(store.DefaultRetention) * time.Millisecond
	for _, key := range []string{store.KeyTotalRPS, store.KeyResponseTime, store.KeyErrorRate} {
		for _, k := range []string{key, store.AvgKey(key), store.StdKey(key)} {
			if err := activeStore.Create(ctx, k, retention); err != nil {
				logger.Fatal("Failed to create metric series", zap.String("key", k), zap.Error(err))
			}
		}
	}

	statsEngine := stats.New(activeStore, stats.Config{
		Window:          time.Duration(cfg.Detection.WindowSeconds) * time.Second,
		MinDataPoints:   cfg.Detection.MinDataPoints,
		ZScoreThreshold: cfg.Detection.ZScoreThreshold,
	}, logger)

	rateLimiter := limiter.New(activeStore, cfg.RateLimit.MaxRequests,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)

	intelClient := intel.NewClient(intel.Config{
		URL:         cfg.ThreatIntel.URL,
		APIKey:      cfg.ThreatIntel.APIKey,
		Timeout:     cfg.ThreatIntel.Timeout,
		GeoIPDBPath: cfg.ThreatIntel.GeoIPDBPath,
	}, logger)
	defer intelClient.Close()

	firewall := actuator.NewCloudflare(actuator.Config{
		BaseURL:        cfg.Cloudflare.BaseURL,
		Email:          cfg.Cloudflare.Email,
		APIKey:         cfg.Cloudflare.APIKey,
		ZoneID:         cfg.Cloudflare.ZoneID,
		Timeout:        cfg.Cloudflare.Timeout,
		CallsPerSecond: cfg.Cloudflare.CallsPerSecond,
		Burst:          cfg.Cloudflare.Burst,
	}, logger)

	registry := actuator.NewRegistry(activeStore)
	webhook := notifier.New(cfg.WebhookURL, logger)

	decisionEngine := engine.New(activeStore, statsEngine, rateLimiter, intelClient,
		firewall, registry, webhook, engine.Config{
			RiskScoreThreshold:   cfg.Verification.RiskScoreThreshold,
			CaptchaThreshold:     cfg.Verification.CaptchaThreshold,
			JSChallengeThreshold: cfg.Verification.JSChallengeThreshold,
			AutoBlockValue:       cfg.Detection.AutoBlockValue,
			VerifiedTTL:          cfg.Verification.VerifiedTTL,
			BlockTTL:             cfg.Verification.BlockTTL,
			DashboardWindow:      cfg.Dashboard.Window,
			DashboardBucket:      cfg.Dashboard.Bucket,
			TopN:                 cfg.Dashboard.TopN,
		}, logger)

	// Periodic anomaly sweep; /api/anomalies also runs it on demand.
	go func() {
		ticker := time.NewTicker(cfg.Detection.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := decisionEngine.Sweep(ctx); err != nil {
					logger.Error("Anomaly sweep failed", zap.Error(err))
				}
			}
		}
	}()

	// Prometheus metrics endpoint on a side port.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics endpoint active", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	tracker := api.NewTracker(activeStore, logger)
	apiServer := api.NewServer(decisionEngine, tracker, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Decision API active", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	logger.Info("surgeguard stopping...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
	}
	logger.Info("Stopped gracefully")
}

func initLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsed)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}
