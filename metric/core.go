package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every core metric.
const Namespace = "mbus"

// Metrics contains the bus-level metrics shared by all sessions
type Metrics struct {
	// Session traffic
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	RepliesDelivered *prometheus.CounterVec
	ReplyLatency     *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec

	// Admission control and ordering
	ThrottleRejected *prometheus.CounterVec
	ThrottleWindow   *prometheus.GaugeVec
	PendingMessages  *prometheus.GaugeVec
	SequencedWaiting *prometheus.GaugeVec

	// Routing
	RoutingFailures *prometheus.CounterVec
	RoutingSwaps    prometheus.Counter

	HealthCheckStatus *prometheus.GaugeVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

func opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts(opts(subsystem, name, help)), labels)
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(subsystem, name, help)), labels)
}

// NewMetrics creates the core metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesSent: counterVec("messages", "sent_total",
			"Messages accepted for sending", "session", "protocol"),
		MessagesReceived: counterVec("messages", "received_total",
			"Messages delivered to local sessions", "session", "protocol"),
		RepliesDelivered: counterVec("replies", "delivered_total",
			"Replies delivered to source sessions by outcome (ok, transient, fatal)", "session", "outcome"),
		ReplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "replies",
			Name:      "latency_seconds",
			Help:      "Time from send to reply delivery",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}, []string{"session"}),
		ErrorsTotal: counterVec("errors", "total",
			"Reply errors by code", "code", "class"),
		Retries: counterVec("messages", "retries_total",
			"Messages resent after a transient error", "session"),
		Timeouts: counterVec("messages", "timeouts_total",
			"Messages answered with a synthesised timeout", "session"),

		ThrottleRejected: counterVec("throttle", "rejected_total",
			"Sends rejected by the throttle policy", "session"),
		ThrottleWindow: gaugeVec("throttle", "window",
			"Current maximum pending count allowed by the throttle policy", "session"),
		PendingMessages: gaugeVec("throttle", "pending",
			"Messages sent and not yet replied", "session"),
		SequencedWaiting: gaugeVec("sequencer", "waiting",
			"Messages held back behind an in-flight message with the same key", "session"),

		RoutingFailures: counterVec("routing", "failures_total",
			"Route resolutions that failed", "protocol", "code"),
		RoutingSwaps: prometheus.NewCounter(prometheus.CounterOpts(opts("routing", "table_swaps_total",
			"Routing table snapshots published"))),

		HealthCheckStatus: gaugeVec("health", "status",
			"1 while a part of the node reports healthy, 0 otherwise", "component"),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts(opts("nats", "connected",
			"1 while the NATS connection is up"))),
		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts(opts("nats", "rtt_milliseconds",
			"Last measured NATS round trip"))),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts(opts("nats", "reconnects_total",
			"NATS reconnections"))),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts(opts("nats", "circuit_breaker",
			"Connect circuit breaker state (0 closed, 1 open, 2 half-open)"))),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.MessagesSent, c.MessagesReceived, c.RepliesDelivered, c.ReplyLatency,
		c.ErrorsTotal, c.Retries, c.Timeouts,
		c.ThrottleRejected, c.ThrottleWindow, c.PendingMessages, c.SequencedWaiting,
		c.RoutingFailures, c.RoutingSwaps,
		c.HealthCheckStatus,
		c.NATSConnected, c.NATSRTT, c.NATSReconnects, c.NATSCircuitBreaker,
	}
}

func (c *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.collectors()...)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// RecordMessageSent increments the sent counter
func (c *Metrics) RecordMessageSent(session, protocol string) {
	c.MessagesSent.WithLabelValues(session, protocol).Inc()
}

// RecordMessageReceived increments the received counter
func (c *Metrics) RecordMessageReceived(session, protocol string) {
	c.MessagesReceived.WithLabelValues(session, protocol).Inc()
}

// RecordReply counts a delivered reply and its latency
func (c *Metrics) RecordReply(session, outcome string, latency time.Duration) {
	c.RepliesDelivered.WithLabelValues(session, outcome).Inc()
	c.ReplyLatency.WithLabelValues(session).Observe(latency.Seconds())
}

// RecordError increments the error counter for a reply error code
func (c *Metrics) RecordError(code, class string) {
	c.ErrorsTotal.WithLabelValues(code, class).Inc()
}

// RecordRetry increments the retry counter
func (c *Metrics) RecordRetry(session string) {
	c.Retries.WithLabelValues(session).Inc()
}

// RecordTimeout increments the timeout counter
func (c *Metrics) RecordTimeout(session string) {
	c.Timeouts.WithLabelValues(session).Inc()
}

// RecordThrottleRejected increments the rejection counter
func (c *Metrics) RecordThrottleRejected(session string) {
	c.ThrottleRejected.WithLabelValues(session).Inc()
}

// RecordThrottleState updates the window and pending gauges
func (c *Metrics) RecordThrottleState(session string, window, pending int) {
	c.ThrottleWindow.WithLabelValues(session).Set(float64(window))
	c.PendingMessages.WithLabelValues(session).Set(float64(pending))
}

// RecordSequencedWaiting updates the sequencer backlog gauge
func (c *Metrics) RecordSequencedWaiting(session string, waiting int) {
	c.SequencedWaiting.WithLabelValues(session).Set(float64(waiting))
}

// RecordRoutingFailure increments the routing failure counter
func (c *Metrics) RecordRoutingFailure(protocol, code string) {
	c.RoutingFailures.WithLabelValues(protocol, code).Inc()
}

// RecordRoutingSwap increments the table swap counter
func (c *Metrics) RecordRoutingSwap() {
	c.RoutingSwaps.Inc()
}

// RecordHealthStatus sets the health gauge of component.
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	c.HealthCheckStatus.WithLabelValues(component).Set(boolGauge(healthy))
}

// RecordNATSStatus sets the connection gauge.
func (c *Metrics) RecordNATSStatus(connected bool) {
	c.NATSConnected.Set(boolGauge(connected))
}

// RecordNATSRTT records a round trip, in fractional milliseconds.
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt) / float64(time.Millisecond))
}

func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState publishes a breaker state (closed, open, half-open).
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
