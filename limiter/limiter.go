// Package limiter implements the per-IP fixed-window request counter.
package limiter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"surgeguard/store"
)

const keyPrefix = "ratelimit:"

// FixedWindow counts requests per client IP in a fixed window. The window
// expiry is set when the counter is created and never refreshed, so a
// sustained low-rate client still gets a fresh count each window.
type FixedWindow struct {
	kv     store.KV
	max    int64
	window time.Duration
}

func New(kv store.KV, max int64, window time.Duration) *FixedWindow {
	return &FixedWindow{kv: kv, max: max, window: window}
}

// Admit reports whether the client is over its window budget. At the cap the
// stored count stops growing; below it the post-increment count is returned
// as a graduated signal for the decision engine.
func (l *FixedWindow) Admit(ctx context.Context, ip string) (limited bool, count int64, err error) {
	key := keyPrefix + ip

	val, err := l.kv.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, 0, err
	}
	if err == nil {
		current, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return false, 0, perr
		}
		if current >= l.max {
			return true, current, nil
		}
	}

	count, err = l.kv.Increment(ctx, key, l.window)
	if err != nil {
		return false, 0, err
	}
	return false, count, nil
}
