package outbox

import "time"

// Observer receives outbox events for metrics.
type Observer interface {
	ObserveOutboxEvent(event string, kind Kind)
	ObserveDeliveryLatency(d time.Duration)
	SetQueueDepth(n int)
}

const (
	EventPublished   = "published"
	EventDelivered   = "delivered"
	EventFailed      = "failed"
	EventMalformed   = "malformed"
	EventRetried     = "retried"
	EventRateLimited = "rate_limited"
)

type noopObserver struct{}

func (noopObserver) ObserveOutboxEvent(string, Kind)      {}
func (noopObserver) ObserveDeliveryLatency(time.Duration) {}
func (noopObserver) SetQueueDepth(int)                    {}
