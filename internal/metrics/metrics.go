// Package metrics provides interfaces and implementations for collecting
// SMTP server metrics. This package defines the Collector interface for
// recording metrics.
package metrics

// Collector defines the interface for recording SMTP server metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// Message metrics
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// Authentication metrics
	AuthAttempt(authDomain string, success bool)

	// Command metrics
	CommandProcessed(command string)

	// Delivery metrics
	DeliveryCompleted(recipientDomain string, result string)

	// Queue metrics
	QueueDepth(status string, depth int)
	RetryScheduled(attempt int)
}
