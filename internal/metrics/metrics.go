// Package metrics defines the relay's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fwrelay"

type Metrics struct {
	Accepted      prometheus.Counter
	SetupFailures *prometheus.CounterVec
	Vetoes        *prometheus.CounterVec
	Shutdowns     *prometheus.CounterVec
	Bytes         *prometheus.CounterVec
	ActiveLinks   prometheus.Gauge
	PendingBytes  prometheus.Gauge
	LinkDuration  prometheus.Histogram
}

// New creates the relay metrics and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accepted_total",
			Help: "Client connections accepted",
		}),
		SetupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "setup_failures_total",
			Help: "Client connections closed before a link was established, by stage",
		}, []string{"reason"}),
		Vetoes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vetoes_total",
			Help: "Chunks refused by the inspection policy",
		}, []string{"policy"}),
		Shutdowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "shutdowns_total",
			Help: "Shutdown requests by cause",
		}, []string{"reason"}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwarded_bytes_total",
			Help: "Bytes written to the far side of a link",
		}, []string{"direction"}),
		ActiveLinks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_links",
			Help: "Established client/server pairs",
		}),
		PendingBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_bytes",
			Help: "Bytes buffered waiting for a socket to become writable",
		}),
		LinkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "link_duration_seconds",
			Help:    "Lifetime of closed links",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
}
