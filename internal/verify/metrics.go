package verify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imei"

// Metrics are the service's Prometheus collectors.
type Metrics struct {
	verifications    *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	creditsConsumed  prometheus.Counter
	creditsUncharged prometheus.Counter
	fraudScore       prometheus.Histogram
}

// NewMetrics registers the collectors with reg. A nil reg gets a private
// registry, so tests can build as many services as they like.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		verifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Verification requests by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		cacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Verifications served from the result cache",
			},
			[]string{"mode"},
		),
		providerRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Provider exchanges by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		providerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_duration_seconds",
				Help:      "Time from order creation to a terminal provider answer",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),
		creditsConsumed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_consumed_total",
				Help:      "Subscription credits consumed by full verifications",
			},
		),
		creditsUncharged: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_uncharged_total",
				Help:      "Metered full verifications delivered without consuming a credit",
			},
		),
		fraudScore: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fraud_score",
				Help:      "Fraud score of provider-backed verifications",
				Buckets:   []float64{0, 5, 15, 25, 40, 60, 80, 100},
			},
		),
	}
}

// ObserveProvider records one provider exchange. It matches provider.Observer.
func (m *Metrics) ObserveProvider(provider, outcome string, elapsed time.Duration) {
	m.providerRequests.WithLabelValues(provider, outcome).Inc()
	if elapsed > 0 {
		m.providerDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}
