package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	// Message metrics
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Delivery metrics
	deliveriesTotal *prometheus.CounterVec

	// Queue metrics
	queueDepth       *prometheus.GaugeVec
	retriesScheduled *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtpd_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_messages_received_total",
			Help: "Total number of messages received.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtpd_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"domain", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_deliveries_total",
			Help: "Total number of delivery attempts.",
		}, []string{"recipient_domain", "result"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smtpd_queue_depth",
			Help: "Number of messages in the queue, by overall status.",
		}, []string{"status"}),
		retriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_retries_scheduled_total",
			Help: "Total number of delivery retries scheduled, by attempt number.",
		}, []string{"attempt"}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.deliveriesTotal,
		c.queueDepth,
		c.retriesScheduled,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// MessageReceived increments the message received counter and observes message size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(authDomain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(authDomain, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// DeliveryCompleted increments the delivery counter.
func (c *PrometheusCollector) DeliveryCompleted(recipientDomain string, result string) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, result).Inc()
}

// QueueDepth sets the current queue depth gauge for status.
func (c *PrometheusCollector) QueueDepth(status string, depth int) {
	c.queueDepth.WithLabelValues(status).Set(float64(depth))
}

// RetryScheduled increments the retry counter for the given attempt number.
func (c *PrometheusCollector) RetryScheduled(attempt int) {
	c.retriesScheduled.WithLabelValues(strconv.Itoa(attempt)).Inc()
}
