package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Request/attempt metrics
	requestsTotal   *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram

	// Pool metrics
	poolSize       prometheus.Gauge
	refreshesTotal *prometheus.CounterVec

	// Health metrics
	blacklistedProxies prometheus.Gauge

	// Breaker metrics
	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics on the default registry.
func NewCollector(namespace string) *Collector {
	return NewCollectorWith(namespace, prometheus.DefaultRegisterer)
}

// NewCollectorWith registers all metrics on the given registerer.
func NewCollectorWith(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of logical requests by final result",
			},
			[]string{"result"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of request attempts by outcome",
			},
			[]string{"outcome"},
		),
		attemptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Single attempt duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		poolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Current number of proxies in the active pool snapshot",
			},
		),
		refreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_refreshes_total",
				Help:      "Total number of provider refresh attempts by result",
			},
			[]string{"result"},
		),
		blacklistedProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blacklisted_proxies",
				Help:      "Current number of blacklisted proxy addresses",
			},
		),
		breakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordRequest(result string) {
	c.requestsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordAttempt(outcome string, seconds float64) {
	c.attemptsTotal.WithLabelValues(outcome).Inc()
	c.attemptDuration.Observe(seconds)
}

func (c *Collector) SetPoolSize(n int) {
	c.poolSize.Set(float64(n))
}

func (c *Collector) RecordRefresh(result string) {
	c.refreshesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) SetBlacklistedProxies(n int) {
	c.blacklistedProxies.Set(float64(n))
}

func (c *Collector) SetBreakerState(state float64) {
	c.breakerState.Set(state)
}

func (c *Collector) RecordBreakerTransition(from, to string) {
	c.breakerTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
