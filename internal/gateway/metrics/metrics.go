package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	proxiedRequests   *prometheus.CounterVec
	rateLimitChecks   *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	logEventsEnqueued *prometheus.CounterVec
	logFlushes        *prometheus.CounterVec
	logEventsFlushed  prometheus.Counter
	liveSubscribers   prometheus.Gauge
	subscriberDrops   prometheus.Counter
}

// New registers the gateway collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		proxiedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_requests_total",
				Help: "Total number of audited proxy requests by target, method and status",
			},
			[]string{"target", "method", "status"},
		),
		rateLimitChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_checks_total",
				Help: "Total number of sliding window admission checks",
			},
			[]string{"result"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Total number of response cache lookups",
			},
			[]string{"result"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Latency of upstream calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		logEventsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_log_events_enqueued_total",
				Help: "Total number of log events pushed onto the pending buffer",
			},
			[]string{"result"},
		),
		logFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_log_flushes_total",
				Help: "Total number of log flush cycles by outcome",
			},
			[]string{"result"},
		),
		logEventsFlushed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_log_events_flushed_total",
				Help: "Total number of log events persisted",
			},
		),
		liveSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_live_subscribers",
				Help: "Current number of live log stream subscribers",
			},
		),
		subscriberDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_live_subscriber_drops_total",
				Help: "Total number of subscribers removed after a failed delivery",
			},
		),
	}
}

// RecordRequest records an audited proxy request
func (m *Metrics) RecordRequest(target, method string, status int) {
	if m == nil {
		return
	}
	m.proxiedRequests.WithLabelValues(target, method, strconv.Itoa(status)).Inc()
}

// RecordRateLimitCheck records an admission decision
func (m *Metrics) RecordRateLimitCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.rateLimitChecks.WithLabelValues(result).Inc()
}

// RecordCacheLookup records a cache lookup outcome: hit, miss or error
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveUpstream records the latency of one upstream call
func (m *Metrics) ObserveUpstream(target string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(target).Observe(d.Seconds())
}

// RecordEnqueue records a push onto the pending log buffer
func (m *Metrics) RecordEnqueue(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.logEventsEnqueued.WithLabelValues(result).Inc()
}

// RecordFlush records a flush cycle; result is empty, ok or error
func (m *Metrics) RecordFlush(result string, events int) {
	if m == nil {
		return
	}
	m.logFlushes.WithLabelValues(result).Inc()
	if result == "ok" {
		m.logEventsFlushed.Add(float64(events))
	}
}

// SetSubscribers sets the live subscriber gauge
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.liveSubscribers.Set(float64(n))
}

// RecordSubscriberDrop records a subscriber removed after a failed send
func (m *Metrics) RecordSubscriberDrop() {
	if m == nil {
		return
	}
	m.subscriberDrops.Inc()
}
