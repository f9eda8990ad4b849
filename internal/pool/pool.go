// Package pool executes tasks with bounded parallelism, per-task failure
// isolation, and retry driven by explicit task state transitions.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianlabs/paperscout/internal/backoff"
	"github.com/meridianlabs/paperscout/internal/domain"
	"github.com/meridianlabs/paperscout/internal/observability"
	"github.com/meridianlabs/paperscout/internal/progress"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 5

// ExecFunc performs one attempt of a task's work. It must honor ctx and
// return nil on success or the failure for the backoff controller to
// classify.
type ExecFunc func(ctx context.Context) error

// DoneFunc is invoked once, after its task reaches a terminal state and the
// terminal progress event has been published. It may submit follow-up tasks;
// the pool guarantees it will not report completion before the hook returns.
type DoneFunc func(task *domain.Task)

// item couples a task with its execution and completion hooks.
type item struct {
	task   *domain.Task
	phase  domain.Phase
	exec   ExecFunc
	onDone DoneFunc
}

// Config holds pool configuration.
type Config struct {
	// Concurrency is the maximum number of tasks executing simultaneously.
	Concurrency int
}

// Pool runs submitted tasks on a bounded worker set. Failed tasks are
// re-enqueued per the backoff controller's verdict; permanent or
// attempt-exhausted failures are recorded on the task without affecting
// siblings. Completion order is unrelated to submission order.
//
// The pending queue is unbounded. Workers re-enqueue retries, so a bounded
// queue could deadlock with every worker blocked pushing into a full queue.
type Pool struct {
	concurrency int
	controller  *backoff.Controller
	aggregator  *progress.Aggregator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []*item
	running     int
	outstanding int
	cancelled   bool
	started     bool
}

// New creates a pool. Workers do not start until Start is called.
func New(cfg Config, controller *backoff.Controller, aggregator *progress.Aggregator, metrics *observability.Metrics, logger zerolog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	p := &Pool{
		concurrency: cfg.Concurrency,
		controller:  controller,
		aggregator:  aggregator,
		metrics:     metrics,
		logger:      logger.With().Str("component", "pool").Logger(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker set. Cancelling ctx stops workers from pulling
// further pending tasks and abandons scheduled retries; in-flight attempts
// finish naturally and their results are preserved.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	go func() {
		<-p.ctx.Done()
		p.drainPending()
	}()
}

// Submit enqueues a task for execution. phase tags the task's progress
// events; onDone may be nil. Safe to call from DoneFunc hooks, which is how
// dependent tasks are sequenced. Tasks submitted after cancellation are
// immediately marked exhausted.
func (p *Pool) Submit(task *domain.Task, phase domain.Phase, exec ExecFunc, onDone DoneFunc) {
	it := &item{task: task, phase: phase, exec: exec, onDone: onDone}

	p.mu.Lock()
	p.outstanding++
	if p.cancelled {
		p.mu.Unlock()
		p.finalizeExhausted(it, domain.ErrCancelled)
		return
	}
	p.pending = append(p.pending, it)
	// Broadcast, not Signal: workers and Wait share the condition variable,
	// and a single wakeup could land on Wait and strand the queued task.
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Wait blocks until every submitted task has reached a terminal state. With
// bounded retries every task terminates, so Wait always returns.
func (p *Pool) Wait() {
	p.mu.Lock()
	for p.outstanding > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Stop cancels the pool and waits for workers to exit. Pending tasks are
// marked exhausted with a cancellation error.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// worker pulls pending tasks until the pool is cancelled.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		it := p.next()
		if it == nil {
			return
		}
		p.execute(it)
	}
}

// next blocks until a pending task is available or the pool is cancelled.
func (p *Pool) next() *item {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) == 0 && !p.cancelled {
		p.cond.Wait()
	}
	if p.cancelled {
		return nil
	}

	it := p.pending[0]
	p.pending = p.pending[1:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	it.task.State = domain.TaskRunning
	p.running++
	return it
}

// execute runs one attempt and routes the outcome: success, scheduled retry,
// or exhaustion.
func (p *Pool) execute(it *item) {
	task := it.task
	task.Attempts++
	attempt := task.Attempts

	p.metrics.TasksStarted.WithLabelValues(string(task.Kind)).Inc()
	p.publish(it, domain.EventStarted, "attempt started")

	start := time.Now()
	err := it.exec(p.ctx)
	p.metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())

	p.mu.Lock()
	p.running--
	p.mu.Unlock()

	if err == nil {
		p.finalizeSucceeded(it)
		return
	}

	task.LastErr = err
	class := backoff.Classify(err)

	if !p.controller.ShouldRetry(attempt, class) {
		taskLogger := observability.WithTaskContext(p.logger, task.ID.String(), string(task.Kind), attempt)
		taskLogger.Warn().
			Err(err).
			Str("classification", class.String()).
			Msg("task exhausted")
		p.finalizeExhausted(it, err)
		return
	}

	delay := p.retryDelay(attempt, class, err)
	task.State = domain.TaskFailed

	p.metrics.TasksRetried.WithLabelValues(string(task.Kind), class.String()).Inc()
	p.publish(it, domain.EventRetrying, "retrying in "+delay.String()+": "+err.Error())
	taskLogger := observability.WithTaskContext(p.logger, task.ID.String(), string(task.Kind), attempt)
	taskLogger.Debug().
		Err(err).
		Dur("delay", delay).
		Str("classification", class.String()).
		Msg("task failed, scheduling retry")

	// The worker moves on to the next task; a timer goroutine re-enqueues
	// this one so retry waits never occupy a concurrency slot.
	go p.scheduleRetry(it, delay)
}

// retryDelay computes the backoff delay, lower-bounded by the provider's
// reported rate-limit wait when the failure carries one.
func (p *Pool) retryDelay(attempt int, class backoff.Classification, err error) time.Duration {
	delay := p.controller.NextDelay(attempt, class)

	if class == backoff.RateLimited {
		var rle *domain.RateLimitError
		if errors.As(err, &rle) && rle.RetryAfter > delay {
			delay = rle.RetryAfter
		}
	}
	return delay
}

// scheduleRetry returns the task to Pending after the delay, unless the pool
// is cancelled first.
func (p *Pool) scheduleRetry(it *item, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-p.ctx.Done():
		p.finalizeExhausted(it, domain.ErrCancelled)
		return
	}

	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		p.finalizeExhausted(it, domain.ErrCancelled)
		return
	}
	it.task.State = domain.TaskPending
	p.pending = append(p.pending, it)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// finalizeSucceeded marks the task terminal, publishes the success event,
// runs the completion hook, and releases the task from the outstanding count.
// The hook runs before the release so follow-up submissions from the hook
// keep Wait blocked.
func (p *Pool) finalizeSucceeded(it *item) {
	task := it.task
	task.State = domain.TaskSucceeded
	task.LastErr = nil

	p.metrics.TasksSucceeded.WithLabelValues(string(task.Kind)).Inc()
	p.publish(it, domain.EventSucceeded, "completed")

	if it.onDone != nil {
		it.onDone(task)
	}
	p.release()
}

// finalizeExhausted marks the task terminal with the recorded failure. The
// failure stays on the task; it is never propagated to sibling tasks or the
// pool caller.
func (p *Pool) finalizeExhausted(it *item, err error) {
	task := it.task
	task.State = domain.TaskExhausted
	task.LastErr = err

	p.metrics.TasksExhausted.WithLabelValues(string(task.Kind)).Inc()
	p.publish(it, domain.EventFailed, "exhausted: "+err.Error())

	if it.onDone != nil {
		it.onDone(task)
	}
	p.release()
}

// release decrements the outstanding count and wakes Wait when it hits zero.
func (p *Pool) release() {
	p.mu.Lock()
	p.outstanding--
	if p.outstanding == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// drainPending marks every still-queued task exhausted after cancellation
// and wakes blocked workers so they can exit.
func (p *Pool) drainPending() {
	p.mu.Lock()
	p.cancelled = true
	drained := p.pending
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, it := range drained {
		p.finalizeExhausted(it, domain.ErrCancelled)
	}
}

// publish emits a progress event for the task's current attempt.
func (p *Pool) publish(it *item, status domain.EventStatus, message string) {
	p.aggregator.Publish(domain.ProgressEvent{
		TaskID:    it.task.ID,
		TopicID:   it.task.TopicID,
		Kind:      it.task.Kind,
		Phase:     it.phase,
		Status:    status,
		Attempt:   it.task.Attempts,
		Message:   message,
		Timestamp: time.Now(),
	})
}
