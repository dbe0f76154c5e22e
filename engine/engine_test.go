package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"surgeguard/actuator"
	"surgeguard/intel"
	"surgeguard/limiter"
	"surgeguard/notifier"
	"surgeguard/stats"
	"surgeguard/store"
)

type fakeIntel struct {
	report *intel.Report
	err    error
	calls  int
}

func (f *fakeIntel) Lookup(ctx context.Context, ip string) (*intel.Report, error) {
	f.calls++
	return f.report, f.err
}

type fakeFirewall struct {
	blocks     []string
	challenges []string
	fail       bool
}

func (f *fakeFirewall) CreateBlockRule(ctx context.Context, ip string) error {
	if f.fail {
		return fmt.Errorf("provider down: %w", actuator.ErrUnavailable)
	}
	f.blocks = append(f.blocks, ip)
	return nil
}

func (f *fakeFirewall) CreateChallengeRule(ctx context.Context, ip string) error {
	if f.fail {
		return fmt.Errorf("provider down: %w", actuator.ErrUnavailable)
	}
	f.challenges = append(f.challenges, ip)
	return nil
}

type testRig struct {
	engine   *Engine
	store    *store.LocalStore
	intel    *fakeIntel
	firewall *fakeFirewall
	registry *actuator.Registry
}

func newTestRig(checker *fakeIntel) *testRig {
	log := zap.NewNop()
	s := store.NewLocalStore()
	registry := actuator.NewRegistry(s)
	firewall := &fakeFirewall{}

	statsEngine := stats.New(s, stats.Config{
		Window:          60 * time.Second,
		MinDataPoints:   30,
		ZScoreThreshold: 3.0,
	}, log)

	eng := New(s, statsEngine, limiter.New(s, 1000, time.Minute), checker,
		firewall, registry, notifier.New("", log), Config{
			RiskScoreThreshold:   70,
			CaptchaThreshold:     100,
			JSChallengeThreshold: 50,
			AutoBlockValue:       100,
			VerifiedTTL:          time.Hour,
			BlockTTL:             time.Hour,
			DashboardWindow:      time.Hour,
			DashboardBucket:      time.Minute,
			TopN:                 10,
		}, log)

	return &testRig{engine: eng, store: s, intel: checker, firewall: firewall, registry: registry}
}

func noSignal() *fakeIntel {
	return &fakeIntel{err: fmt.Errorf("lookup: %w", intel.ErrDegraded)}
}

func TestVerifyCookiePath(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	result, err := rig.engine.Verify(ctx, VerifyRequest{ClientIP: "1.2.3.4", UserAgent: "ua"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Verified || result.VerificationType != VerificationCookie {
		t.Fatalf("expected verified/cookie, got %+v", result)
	}

	reason, ok, _ := rig.registry.Reason(ctx, actuator.StateVerified, "1.2.3.4")
	if !ok || reason != VerificationCookie {
		t.Fatalf("expected verified registry entry with reason cookie, got %q ok=%v", reason, ok)
	}
}

type failingKV struct {
	*store.LocalStore
}

func (f failingKV) Get(ctx context.Context, key string) (string, error) {
	return "", fmt.Errorf("connection refused")
}

func TestVerifyStoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	log := zap.NewNop()
	broken := failingKV{rig.store}
	eng := New(broken, rig.engine.stats, limiter.New(broken, 1000, time.Minute),
		rig.intel, rig.firewall, actuator.NewRegistry(broken),
		notifier.New("", log), rig.engine.cfg, log)

	if _, err := eng.Verify(ctx, VerifyRequest{ClientIP: "1.2.3.4"}); err == nil {
		t.Fatal("a store failure must surface as an error, not a decision")
	}
}

func TestVerifyCachedShortCircuits(t *testing.T) {
	ctx := context.Background()
	// A high-risk report that would block in step 3 if reached.
	rig := newTestRig(&fakeIntel{report: &intel.Report{IP: "1.2.3.4", RiskScore: 85}})

	rig.registry.Mark(ctx, actuator.StateVerified, "1.2.3.4", "cookie", time.Hour)
	// A counter at the cap that would rate-limit in step 2 if reached.
	rig.store.Set(ctx, "ratelimit:1.2.3.4", "1000", time.Minute)

	result, err := rig.engine.Verify(ctx, VerifyRequest{ClientIP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Verified || result.VerificationType != VerificationCached {
		t.Fatalf("expected verified/cached, got %+v", result)
	}
	if rig.intel.calls != 0 {
		t.Fatalf("cached verification must never reach the reputation lookup, got %d calls", rig.intel.calls)
	}
}

func TestVerifyRateLimitedBeforeIntel(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(&fakeIntel{report: &intel.Report{RiskScore: 85}})

	rig.store.Set(ctx, "ratelimit:1.2.3.4", "1000", time.Minute)

	result, err := rig.engine.Verify(ctx, VerifyRequest{ClientIP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verified || result.VerificationType != VerificationRateLimited {
		t.Fatalf("expected unverified/rate_limited, got %+v", result)
	}
	if rig.intel.calls != 0 {
		t.Fatal("rate-limited clients must not trigger a reputation lookup")
	}
}

func TestVerifyThreatIntelBlock(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(&fakeIntel{report: &intel.Report{IP: "1.2.3.4", RiskScore: 85, CountryCode: "NL"}})

	result, err := rig.engine.Verify(ctx, VerifyRequest{ClientIP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verified || result.VerificationType != VerificationThreatIntel {
		t.Fatalf("expected unverified/threat_intel_blocked, got %+v", result)
	}
	if len(rig.firewall.blocks) != 1 || rig.firewall.blocks[0] != "1.2.3.4" {
		t.Fatalf("expected exactly one firewall block, got %v", rig.firewall.blocks)
	}
	reason, ok, _ := rig.registry.Reason(ctx, actuator.StateBlocked, "1.2.3.4")
	if !ok || reason != ReasonThreatIntel {
		t.Fatalf("expected blocked entry with reason threat_intel, got %q ok=%v", reason, ok)
	}
}

func TestVerifyRiskAtThresholdPasses(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(&fakeIntel{report: &intel.Report{RiskScore: 70}})

	result, err := rig.engine.Verify(ctx, VerifyRequest{ClientIP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.VerificationType != VerificationCookie {
		t.Fatalf("risk score exactly at threshold must not block, got %+v", result)
	}
	if len(rig.firewall.blocks) != 0 {
		t.Fatalf("unexpected firewall calls: %v", rig.firewall.blocks)
	}
}

func TestVerifyGraduatedFriction(t *testing.T) {
	ctx := context.Background()

	rig := newTestRig(noSignal())
	rig.store.Set(ctx, "ratelimit:1.2.3.4", "120", time.Minute)
	result, _ := rig.engine.Verify(ctx, VerifyRequest{ClientIP: "1.2.3.4"})
	if result.Verified || result.VerificationType != VerificationCaptcha {
		t.Fatalf("expected captcha_required above 100 requests, got %+v", result)
	}

	rig = newTestRig(noSignal())
	rig.store.Set(ctx, "ratelimit:5.6.7.8", "60", time.Minute)
	result, _ = rig.engine.Verify(ctx, VerifyRequest{ClientIP: "5.6.7.8"})
	if result.Verified || result.VerificationType != VerificationJSChallenge {
		t.Fatalf("expected js_challenge above 50 requests, got %+v", result)
	}
}

// seedSeries writes a window that is anomalous when extra > 0 zeros pad the
// baseline: 28 zeros plus three spikes give |z| just above 3.
func seedAnomalousIP(t *testing.T, s *store.LocalStore, ip string, spike float64) {
	t.Helper()
	ctx := context.Background()
	key := store.IPKey(ip)
	base := time.Now().UnixMilli() - 31*100
	for i := 0; i < 28; i++ {
		if err := s.Add(ctx, key, base+int64(i)*100, 0, store.MergeNone); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	for i := 28; i < 31; i++ {
		if err := s.Add(ctx, key, base+int64(i)*100, spike, store.MergeNone); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func TestSweepAutoBlocksOnlyAboveValueFloor(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	seedAnomalousIP(t, rig.store, "9.9.9.9", 150)
	seedAnomalousIP(t, rig.store, "8.8.8.8", 40)

	anomalies, err := rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(anomalies) != 2 {
		t.Fatalf("expected both IP anomalies reported, got %+v", anomalies)
	}

	if len(rig.firewall.blocks) != 1 || rig.firewall.blocks[0] != "9.9.9.9" {
		t.Fatalf("expected only the high-volume IP blocked, got %v", rig.firewall.blocks)
	}
	reason, ok, _ := rig.registry.Reason(ctx, actuator.StateBlocked, "9.9.9.9")
	if !ok || reason != ReasonAutoAnomaly {
		t.Fatalf("expected auto_anomaly block entry, got %q ok=%v", reason, ok)
	}
	if blocked, _ := rig.registry.Has(ctx, actuator.StateBlocked, "8.8.8.8"); blocked {
		t.Fatal("low-volume anomaly must not be blocked")
	}
}

func TestSweepIsIdempotentAgainstBlockedIPs(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	seedAnomalousIP(t, rig.store, "9.9.9.9", 150)
	rig.registry.Mark(ctx, actuator.StateBlocked, "9.9.9.9", ReasonAutoAnomaly, time.Hour)

	if _, err := rig.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(rig.firewall.blocks) != 0 {
		t.Fatalf("already-blocked IP must not hit the firewall again, got %v", rig.firewall.blocks)
	}
}

func TestSweepSkipsDerivedSeries(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	seedAnomalousIP(t, rig.store, "9.9.9.9", 150)

	// Two sweeps: the first writes avg/std series under the ip prefix; the
	// second must not treat them as client metrics.
	rig.engine.Sweep(ctx)
	anomalies, err := rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	for _, a := range anomalies {
		if store.IsDerived(a.Metric) {
			t.Fatalf("derived series leaked into the sweep: %s", a.Metric)
		}
	}
}

func TestMitigateMonitorAlwaysSucceeds(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())
	rig.firewall.fail = true

	ok := rig.engine.Mitigate(ctx, MitigationAction{
		ActionType: ActionMonitor, Target: "7.7.7.7", Duration: 300, Reason: "watching",
	})
	if !ok {
		t.Fatal("monitor must always succeed")
	}
	if len(rig.firewall.blocks) != 0 || len(rig.firewall.challenges) != 0 {
		t.Fatal("monitor must never call the firewall")
	}
	reason, found, _ := rig.registry.Reason(ctx, actuator.StateMonitored, "7.7.7.7")
	if !found || reason != "watching" {
		t.Fatalf("expected monitored entry, got %q found=%v", reason, found)
	}
}

func TestMitigateBlockSuccess(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	ok := rig.engine.Mitigate(ctx, MitigationAction{
		ActionType: ActionBlock, Target: "7.7.7.7", Duration: 600, Reason: "abuse report",
	})
	if !ok {
		t.Fatal("expected success")
	}
	if len(rig.firewall.blocks) != 1 {
		t.Fatalf("expected one firewall block, got %v", rig.firewall.blocks)
	}
	reason, found, _ := rig.registry.Reason(ctx, actuator.StateBlocked, "7.7.7.7")
	if !found || reason != "abuse report" {
		t.Fatalf("expected blocked entry with operator reason, got %q", reason)
	}
}

func TestMitigateBlockFailureIsReportedNotRaised(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())
	rig.firewall.fail = true

	ok := rig.engine.Mitigate(ctx, MitigationAction{
		ActionType: ActionBlock, Target: "7.7.7.7", Duration: 600, Reason: "abuse report",
	})
	if ok {
		t.Fatal("expected success=false when the firewall call fails")
	}
	if blocked, _ := rig.registry.Has(ctx, actuator.StateBlocked, "7.7.7.7"); blocked {
		t.Fatal("failed manual block must not persist a registry entry")
	}
}

func TestDashboardMetricsEmptyStore(t *testing.T) {
	rig := newTestRig(noSignal())

	dash, err := rig.engine.DashboardMetrics(context.Background())
	if err != nil {
		t.Fatalf("dashboard failed on empty store: %v", err)
	}
	if dash.TotalRPS == nil || dash.BlockedIPs == nil {
		t.Fatalf("expected empty slices, not nils: %+v", dash)
	}
}

func TestDashboardVolumeSpansBucketBoundary(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	// Aggregation buckets align to epoch multiples of the window, so samples
	// on both sides of an hour boundary land in separate buckets. The volume
	// must still be their sum.
	now := time.Now().UnixMilli()
	hourStart := now - now%time.Hour.Milliseconds()
	rig.store.Add(ctx, store.IPKey("1.1.1.1"), hourStart-1, 3, store.MergeAdditive)
	rig.store.Add(ctx, store.IPKey("1.1.1.1"), hourStart, 4, store.MergeAdditive)

	dash, err := rig.engine.DashboardMetrics(ctx)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if len(dash.TopIPs) != 1 || dash.TopIPs[0].Requests != 7 {
		t.Fatalf("expected a total of 7 across both buckets, got %+v", dash.TopIPs)
	}
}

func TestDashboardTopIPs(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(noSignal())

	now := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		rig.store.Add(ctx, store.IPKey("1.1.1.1"), now, 1, store.MergeAdditive)
	}
	rig.store.Add(ctx, store.IPKey("2.2.2.2"), now, 1, store.MergeAdditive)

	dash, err := rig.engine.DashboardMetrics(ctx)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if len(dash.TopIPs) != 2 {
		t.Fatalf("expected 2 IPs, got %+v", dash.TopIPs)
	}
	if dash.TopIPs[0].IP != "1.1.1.1" || dash.TopIPs[0].Requests != 5 {
		t.Fatalf("expected 1.1.1.1 with 5 requests on top, got %+v", dash.TopIPs[0])
	}
}
