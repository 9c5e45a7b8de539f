package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished() {}

// MessageReceived is a no-op.
func (n *NoopCollector) MessageReceived(recipientDomain string, sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(recipientDomain string, reason string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(authDomain string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(command string) {}

// DeliveryCompleted is a no-op.
func (n *NoopCollector) DeliveryCompleted(recipientDomain string, result string) {}

// QueueDepth is a no-op.
func (n *NoopCollector) QueueDepth(status string, depth int) {}

// RetryScheduled is a no-op.
func (n *NoopCollector) RetryScheduled(attempt int) {}
