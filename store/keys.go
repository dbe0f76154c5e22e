package store

import "strings"

// DefaultRetention bounds every metric series to a trailing 24 hours,
// enforced by the store itself.
const DefaultRetention = 24 * 60 * 60 * 1000 // ms

// Global aggregate series.
const (
	KeyTotalRPS     = "ddos:total_rps"
	KeyResponseTime = "ddos:response_time"
	KeyErrorRate    = "ddos:error_rate"
)

const (
	pathPrefix = "ddos:path:"
	ipPrefix   = "ddos:ip:"
	suffixAvg  = ":avg"
	suffixStd  = ":std"
)

// Scan patterns for the per-path and per-IP sub-metric key spaces.
const (
	PathPattern = pathPrefix + "*"
	IPPattern   = ipPrefix + "*"
)

func PathKey(path string) string { return pathPrefix + path }
func IPKey(ip string) string     { return ipPrefix + ip }

// AvgKey and StdKey name the derived baseline series persisted alongside a
// metric on every evaluation.
func AvgKey(metric string) string { return metric + suffixAvg }
func StdKey(metric string) string { return metric + suffixStd }

// IsDerived reports whether a key names a derived avg/std series rather than
// a raw metric. Scans over the metric key space must skip these.
func IsDerived(key string) bool {
	return strings.HasSuffix(key, suffixAvg) || strings.HasSuffix(key, suffixStd)
}

// IPFromKey extracts the client IP from a ddos:ip:* key.
func IPFromKey(key string) string { return strings.TrimPrefix(key, ipPrefix) }

// PathFromKey extracts the request path from a ddos:path:* key.
func PathFromKey(key string) string { return strings.TrimPrefix(key, pathPrefix) }
