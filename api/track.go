package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"surgeguard/store"
)

// Tracker records per-request traffic signals into the metric store: the
// global request counter, per-path and per-IP counters, response time and
// the error flag. Recording failures are logged and never fail the request.
type Tracker struct {
	ts  store.TimeSeries
	log *zap.Logger
	now func() time.Time
}

func NewTracker(ts store.TimeSeries, log *zap.Logger) *Tracker {
	return &Tracker{ts: ts, log: log, now: time.Now}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := t.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		t.record(r.Context(), clientIP(r), r.URL.Path, t.now().Sub(start), rec.status)
	})
}

func (t *Tracker) record(ctx context.Context, ip, path string, elapsed time.Duration, status int) {
	ts := t.now().UnixMilli()

	t.add(ctx, store.KeyTotalRPS, ts, 1, store.MergeAdditive)
	t.add(ctx, store.PathKey(path), ts, 1, store.MergeAdditive)
	t.add(ctx, store.IPKey(ip), ts, 1, store.MergeAdditive)
	t.add(ctx, store.KeyResponseTime, ts, elapsed.Seconds(), store.MergeNone)

	isError := 0.0
	if status >= http.StatusBadRequest {
		isError = 1
	}
	t.add(ctx, store.KeyErrorRate, ts, isError, store.MergeAdditive)
}

func (t *Tracker) add(ctx context.Context, key string, ts int64, value float64, merge store.MergePolicy) {
	if err := t.ts.Add(ctx, key, ts, value, merge); err != nil {
		t.log.Warn("failed to record traffic sample", zap.String("key", key), zap.Error(err))
	}
}

// clientIP prefers the originating address a forwarding proxy reports.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
