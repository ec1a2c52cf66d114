// Package metrics holds the Prometheus instruments for the triage pipeline.
// Construct once at startup and pass the reference down; tests use NewWith
// and a private registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Pipeline metrics
	EmailsProcessed *prometheus.CounterVec
	BlockedTotal    *prometheus.CounterVec
	AnalysisSeconds prometheus.Histogram
	StageSeconds    *prometheus.HistogramVec

	// Reply metrics
	RepliesTotal *prometheus.CounterVec
	ReplySeconds prometheus.Histogram

	// Ingestion metrics
	NotificationsTotal *prometheus.CounterVec
	QueueDepth         prometheus.Gauge

	// External dependency metrics
	IntelLookups  *prometheus.CounterVec
	BreakerStates *prometheus.GaugeVec
	LLMRequests   *prometheus.CounterVec

	// Subscription metrics
	SubscriptionRenewals *prometheus.CounterVec
}

// New registers all instruments on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWith registers all instruments on the given registerer. Tests pass a
// fresh *prometheus.Registry as both arguments.
func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,

		EmailsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_emails_processed_total",
				Help: "Reported emails handled by the pipeline",
			},
			[]string{"outcome"}, // outcome: analyzed, blocked, error
		),

		BlockedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_blocked_total",
				Help: "Messages denied before analysis or reply",
			},
			[]string{"stage", "reason"}, // stage: guard, dedup, ratelimit
		),

		AnalysisSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "phishtriage_analysis_duration_seconds",
				Help:    "End-to-end analysis duration per message",
				Buckets: prometheus.DefBuckets,
			},
		),

		StageSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phishtriage_stage_duration_seconds",
				Help:    "Duration of individual analysis stages",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),

		RepliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_replies_total",
				Help: "Reply attempts by type and status",
			},
			[]string{"type", "status"}, // type: analysis, error; status: sent, suppressed, failed
		),

		ReplySeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "phishtriage_reply_duration_seconds",
				Help:    "Time to build and send a reply",
				Buckets: prometheus.DefBuckets,
			},
		),

		NotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_notifications_total",
				Help: "Message notifications by source and result",
			},
			[]string{"source", "result"}, // source: webhook, poller, catchup; result: enqueued, dropped, invalid
		),

		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "phishtriage_queue_depth",
				Help: "Notifications waiting in the in-process queue",
			},
		),

		IntelLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_intel_lookups_total",
				Help: "Threat-intel lookups by API and result",
			},
			[]string{"api", "result"}, // result: cache_hit, ok, error, invalid
		),

		BreakerStates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "phishtriage_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),

		LLMRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_llm_requests_total",
				Help: "LLM explanation requests by result",
			},
			[]string{"result"}, // result: ok, error, skipped
		),

		SubscriptionRenewals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_subscription_renewals_total",
				Help: "Push subscription renewal attempts",
			},
			[]string{"result"}, // result: ok, error
		),
	}
}

// Gatherer exposes the registry backing these instruments for the /metrics
// handler.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// RecordProcessed counts a pipeline outcome.
func (m *Metrics) RecordProcessed(outcome string) {
	m.EmailsProcessed.WithLabelValues(outcome).Inc()
}

// RecordBlocked counts a denial at the given stage.
func (m *Metrics) RecordBlocked(stage, reason string) {
	m.BlockedTotal.WithLabelValues(stage, reason).Inc()
}

// ObserveAnalysis records one analysis duration.
func (m *Metrics) ObserveAnalysis(d time.Duration) {
	m.AnalysisSeconds.Observe(d.Seconds())
}

// ObserveStage records one analysis stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordReply counts a reply attempt.
func (m *Metrics) RecordReply(replyType, status string) {
	m.RepliesTotal.WithLabelValues(replyType, status).Inc()
}

// ObserveReply records one reply round-trip duration.
func (m *Metrics) ObserveReply(d time.Duration) {
	m.ReplySeconds.Observe(d.Seconds())
}

// RecordNotification counts an ingestion event.
func (m *Metrics) RecordNotification(source, result string) {
	m.NotificationsTotal.WithLabelValues(source, result).Inc()
}

// SetQueueDepth publishes the current notification queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordIntelLookup counts a reputation lookup.
func (m *Metrics) RecordIntelLookup(api, result string) {
	m.IntelLookups.WithLabelValues(api, result).Inc()
}

// SetBreakerState publishes a circuit breaker state change.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerStates.WithLabelValues(name).Set(float64(state))
}

// RecordLLMRequest counts an explanation attempt.
func (m *Metrics) RecordLLMRequest(result string) {
	m.LLMRequests.WithLabelValues(result).Inc()
}

// RecordRenewal counts a subscription renewal attempt.
func (m *Metrics) RecordRenewal(result string) {
	m.SubscriptionRenewals.WithLabelValues(result).Inc()
}
