// Package progress collects progress events from concurrent workers and
// exposes them as a single ordered stream for an observer.
package progress

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/meridianlabs/paperscout/internal/domain"
)

// Aggregator fans progress events from many concurrent producers into one
// ordered stream consumed by a single subscriber. Event order is arrival
// order at the aggregator. Publishing never blocks on the subscriber: events
// queue internally and a dispatch goroutine delivers them.
//
// The aggregator is observability only. Orchestration correctness never
// depends on an event being delivered.
type Aggregator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []domain.ProgressEvent
	closed bool

	out    chan domain.ProgressEvent
	logger zerolog.Logger
}

// NewAggregator creates an aggregator and starts its dispatch goroutine.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		out:    make(chan domain.ProgressEvent),
		logger: logger.With().Str("component", "progress").Logger(),
	}
	a.cond = sync.NewCond(&a.mu)
	go a.dispatch()
	return a
}

// Publish enqueues an event. Safe for concurrent use; never blocks beyond
// the queue append. Events published after Close are dropped.
func (a *Aggregator) Publish(event domain.ProgressEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		a.logger.Debug().
			Str("task_id", event.TaskID.String()).
			Str("status", string(event.Status)).
			Msg("event published after close, dropping")
		return
	}

	a.queue = append(a.queue, event)
	a.cond.Signal()
}

// Subscribe returns the event stream. Events are delivered in arrival order
// starting from the subscription point; the channel is closed once Close has
// been called and all queued events have been delivered. The stream supports
// exactly one reader.
func (a *Aggregator) Subscribe() <-chan domain.ProgressEvent {
	return a.out
}

// Close marks the end of the run. Queued events are still delivered; the
// subscriber channel closes after the queue drains. Close is idempotent.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	a.cond.Broadcast()
}

// dispatch moves events from the internal queue to the subscriber channel.
// It exits, closing the channel, once the aggregator is closed and drained.
func (a *Aggregator) dispatch() {
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			a.mu.Unlock()
			close(a.out)
			return
		}
		event := a.queue[0]
		a.queue = a.queue[1:]
		if len(a.queue) == 0 {
			// Drop the drained backing array so a burst does not pin memory.
			a.queue = nil
		}
		a.mu.Unlock()

		a.out <- event
	}
}
