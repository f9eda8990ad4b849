package httpserver

import (
	"sync"

	"github.com/meridianlabs/paperscout/internal/domain"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events rather than blocking the run.
const subscriberBuffer = 100

// EventHub fans live progress events out to any number of HTTP stream
// subscribers. Unlike the aggregator's single ordered stream, hub delivery
// is best-effort: events to a full subscriber are dropped.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[int]chan domain.ProgressEvent
	nextID      int
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[int]chan domain.ProgressEvent)}
}

// Publish delivers the event to every current subscriber without blocking.
func (h *EventHub) Publish(event domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber not keeping up; drop rather than stall the run.
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away.
func (h *EventHub) Subscribe() (<-chan domain.ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.ProgressEvent, subscriberBuffer)
	h.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}
