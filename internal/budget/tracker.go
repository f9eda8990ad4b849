// Package budget provides per-provider rolling-window rate budgets. A budget
// caps cumulative usage within any trailing window of fixed length, unlike
// fixed calendar buckets or token-bucket refill.
package budget

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// entry is one usage record in a provider ledger. Reserved entries are
// bookings made by Reserve that have not yet been confirmed by Commit.
type entry struct {
	ts       time.Time
	amount   int
	reserved bool
}

// ledger is the ordered usage record for one provider. All mutation happens
// under mu, which serializes the reserve/commit sequence per provider so two
// callers cannot both observe spare capacity and jointly overshoot.
type ledger struct {
	mu      sync.Mutex
	entries []entry
}

// Tracker enforces a rolling-window usage budget independently per provider.
// The invariant it maintains: the sum of unpruned ledger entries for one
// provider never exceeds capacity. Callers that would exceed it receive a
// wait duration instead.
type Tracker struct {
	window   time.Duration
	capacity int
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	ledgers map[string]*ledger
}

// NewTracker creates a tracker with the given window length and capacity
// (units per window, shared semantics across providers but fully independent
// ledgers).
func NewTracker(window time.Duration, capacity int, logger zerolog.Logger) *Tracker {
	return NewTrackerWithClock(window, capacity, logger, time.Now)
}

// NewTrackerWithClock creates a tracker with an injected clock. Tests use
// this to avoid real sleeps.
func NewTrackerWithClock(window time.Duration, capacity int, logger zerolog.Logger, clock func() time.Time) *Tracker {
	return &Tracker{
		window:   window,
		capacity: capacity,
		now:      clock,
		logger:   logger.With().Str("component", "budget_tracker").Logger(),
		ledgers:  make(map[string]*ledger),
	}
}

// Window returns the configured window length.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Capacity returns the configured per-window capacity.
func (t *Tracker) Capacity() int {
	return t.capacity
}

// Reserve computes how long the caller must wait before amount units may be
// consumed without the trailing-window sum exceeding capacity, and books the
// amount at that future instant. It never blocks; the caller is expected to
// wait the returned duration and then perform the call, confirming actual
// usage with Commit (or dropping the booking with Release on failure).
//
// An amount larger than capacity can never fit; the returned wait then
// covers the expiry of the entire current ledger.
func (t *Tracker) Reserve(provider string, amount int) time.Duration {
	l := t.ledgerFor(provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := t.now()
	l.prune(now, t.window)

	wait := l.waitFor(amount, t.capacity, t.window, now)
	l.insert(entry{ts: now.Add(wait), amount: amount, reserved: true})

	if wait > 0 {
		t.logger.Debug().
			Str("provider", provider).
			Int("amount", amount).
			Dur("wait", wait).
			Msg("budget reserve deferred")
	}

	return wait
}

// Commit records actual usage after a successful call. It confirms an
// outstanding reservation, preferring one with the same amount and falling
// back to the oldest (actual usage may differ from the reserved estimate),
// and restamps it with the actual timestamp. If no reservation is
// outstanding the usage is recorded as a fresh entry.
func (t *Tracker) Commit(provider string, amount int, ts time.Time) {
	l := t.ledgerFor(provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(t.now(), t.window)

	match := -1
	for i := range l.entries {
		if !l.entries[i].reserved {
			continue
		}
		if l.entries[i].amount == amount {
			match = i
			break
		}
		if match == -1 {
			match = i
		}
	}
	if match >= 0 {
		l.entries = append(l.entries[:match], l.entries[match+1:]...)
	}
	l.insert(entry{ts: ts, amount: amount})
}

// Release drops the newest outstanding reservation of the given amount.
// Called when the reserved backend call failed, so the budget is not held
// for usage that never happened.
func (t *Tracker) Release(provider string, amount int) {
	l := t.ledgerFor(provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].reserved && l.entries[i].amount == amount {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// PeekWait computes the wait amount units would incur right now, without
// booking anything. Used to lower-bound retry delays after a rate-limited
// failure.
func (t *Tracker) PeekWait(provider string, amount int) time.Duration {
	l := t.ledgerFor(provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := t.now()
	l.prune(now, t.window)
	return l.waitFor(amount, t.capacity, t.window, now)
}

// Usage returns the current unpruned usage sum for a provider. Exposed for
// observability and tests.
func (t *Tracker) Usage(provider string) int {
	l := t.ledgerFor(provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(t.now(), t.window)
	return l.total()
}

// ledgerFor returns the ledger for provider, creating it on first use.
func (t *Tracker) ledgerFor(provider string) *ledger {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.ledgers[provider]
	if !ok {
		l = &ledger{}
		t.ledgers[provider] = l
	}
	return l
}

// prune drops entries older than the window. Pruning is lazy: it runs on
// each Reserve/Commit rather than on a timer.
func (l *ledger) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.entries) && !l.entries[i].ts.After(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = l.entries[i:]
	}
}

// insert adds an entry keeping the ledger ordered by timestamp. Bookings
// carry future timestamps, so append-only ordering cannot be assumed.
func (l *ledger) insert(e entry) {
	i := len(l.entries)
	for i > 0 && l.entries[i-1].ts.After(e.ts) {
		i--
	}
	l.entries = append(l.entries, entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

// total sums all unpruned entries.
func (l *ledger) total() int {
	sum := 0
	for _, e := range l.entries {
		sum += e.amount
	}
	return sum
}

// waitFor computes the wait needed before amount fits under capacity, by
// walking entries oldest-first and accumulating the usage that will have
// aged out of the window.
func (l *ledger) waitFor(amount, capacity int, window time.Duration, now time.Time) time.Duration {
	used := l.total()
	if used+amount <= capacity {
		return 0
	}

	need := used + amount - capacity
	freed := 0
	for _, e := range l.entries {
		freed += e.amount
		if freed >= need {
			wait := e.ts.Add(window).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return wait
		}
	}

	// amount alone exceeds capacity: wait until the whole ledger expires.
	if len(l.entries) == 0 {
		return 0
	}
	last := l.entries[len(l.entries)-1]
	wait := last.ts.Add(window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}
