package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerificationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surgeguard_verification_decisions_total",
			Help: "Verification decisions by outcome type",
		},
		[]string{"verification_type"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surgeguard_anomalies_detected_total",
			Help: "Anomalous window evaluations by metric class",
		},
		[]string{"class"},
	)

	BlocksIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surgeguard_blocks_issued_total",
			Help: "Firewall blocks issued, by reason",
		},
		[]string{"reason"},
	)

	FirewallFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surgeguard_firewall_failures_total",
			Help: "Firewall rule calls that did not take effect",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "surgeguard_sweep_duration_seconds",
			Help: "Time taken by a full anomaly sweep",
		},
	)

	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "surgeguard_request_duration_seconds",
			Help: "Time taken to serve inbound API requests",
		},
		[]string{"method", "path"},
	)
)
