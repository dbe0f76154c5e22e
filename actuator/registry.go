package actuator

import (
	"context"
	"errors"
	"time"

	"surgeguard/store"
)

// State labels a registry entry. States are independent: an IP can hold a
// live verified entry and a live blocked entry at once if their TTLs
// overlap, so the decision engine checks them in a fixed precedence order.
type State string

const (
	StateVerified   State = "verified"
	StateBlocked    State = "blocked"
	StateChallenged State = "challenged"
	StateMonitored  State = "monitored"
)

// Registry keeps the TTL'd per-IP state entries in the key-value store,
// one key per (state, ip), value = reason string.
type Registry struct {
	kv store.KV
}

func NewRegistry(kv store.KV) *Registry {
	return &Registry{kv: kv}
}

func stateKey(state State, ip string) string {
	return string(state) + ":" + ip
}

// Mark records a state for an IP with the given reason and TTL,
// overwriting any live entry (last-write-wins).
func (r *Registry) Mark(ctx context.Context, state State, ip, reason string, ttl time.Duration) error {
	return r.kv.Set(ctx, stateKey(state, ip), reason, ttl)
}

// Has reports whether the IP holds a live entry for the state.
func (r *Registry) Has(ctx context.Context, state State, ip string) (bool, error) {
	_, err := r.kv.Get(ctx, stateKey(state, ip))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reason returns the reason string for a live entry, or ok=false.
func (r *Registry) Reason(ctx context.Context, state State, ip string) (reason string, ok bool, err error) {
	reason, err = r.kv.Get(ctx, stateKey(state, ip))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reason, true, nil
}

// Clear removes a state entry.
func (r *Registry) Clear(ctx context.Context, state State, ip string) error {
	return r.kv.Delete(ctx, stateKey(state, ip))
}

// BlockedEntry is one row of the blocked-IP listing.
type BlockedEntry struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// ListBlocked enumerates every live blocked entry.
func (r *Registry) ListBlocked(ctx context.Context) ([]BlockedEntry, error) {
	entries := []BlockedEntry{}
	it := r.kv.Scan(ctx, string(StateBlocked)+":*")
	for it.Next(ctx) {
		key := it.Key()
		ip := key[len(StateBlocked)+1:]
		reason, err := r.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, BlockedEntry{IP: ip, Reason: reason})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
