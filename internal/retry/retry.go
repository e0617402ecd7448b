// Package retry provides at-least-once, backoff-retried delivery of
// out-of-band notifications to recipients that may be offline.
package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/pro-assist/stina-server/internal/logging"
)

// Event is a notification payload awaiting delivery.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// DeliverFunc attempts delivery to one recipient. It reports whether any
// registered writer accepted the event.
type DeliverFunc func(recipient string, evt Event) bool

// Config tunes the backoff schedule and eviction limits.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	MaxAge       time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  10,
		MaxAge:       5 * time.Minute,
	}
}

type entry struct {
	event       Event
	attempts    int
	queuedAt    time.Time
	nextRetryAt time.Time
}

// Queue buffers undelivered events per recipient and redelivers them with
// exponential backoff. Delivery is best-effort: entries are silently dropped
// once they exceed MaxAttempts or MaxAge.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	deliver DeliverFunc
	queues  map[string][]*entry
	timers  map[string]*time.Timer
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a retry queue delivering through the given function.
func New(cfg Config, deliver DeliverFunc) *Queue {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	return &Queue{
		cfg:     cfg,
		deliver: deliver,
		queues:  make(map[string][]*entry),
		timers:  make(map[string]*time.Timer),
		now:     time.Now,
		log:     logging.Component("retry"),
	}
}

// Enqueue registers an event whose first direct delivery attempt has already
// failed; attempts therefore starts at 1.
func (q *Queue) Enqueue(recipient string, evt Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.queues[recipient] = append(q.queues[recipient], &entry{
		event:       evt,
		attempts:    1,
		queuedAt:    now,
		nextRetryAt: now.Add(q.cfg.InitialDelay),
	})
	q.scheduleRetryLocked(recipient)
}

// scheduleRetryLocked arms a one-shot timer for the recipient's head entry.
// No-op when a timer is already armed.
func (q *Queue) scheduleRetryLocked(recipient string) {
	if _, armed := q.timers[recipient]; armed {
		return
	}
	entries := q.queues[recipient]
	if len(entries) == 0 {
		return
	}
	delay := entries[0].nextRetryAt.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	q.timers[recipient] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, recipient)
		q.mu.Unlock()
		q.ProcessQueue(recipient)
	})
}

// ProcessQueue walks a recipient's entries once: evicted entries are
// dropped, delivered entries are removed, failed entries get their attempt
// count bumped and the next retry scheduled.
func (q *Queue) ProcessQueue(recipient string) {
	q.mu.Lock()
	entries := q.queues[recipient]
	delete(q.queues, recipient)
	now := q.now()
	q.mu.Unlock()

	var survivors []*entry
	for _, e := range entries {
		if now.Sub(e.queuedAt) > q.cfg.MaxAge {
			q.log.Debug().Str("recipient", recipient).Str("event", e.event.Type).Msg("dropping expired notification")
			continue
		}
		if e.attempts >= q.cfg.MaxAttempts {
			q.log.Debug().Str("recipient", recipient).Str("event", e.event.Type).Int("attempts", e.attempts).Msg("dropping notification after max attempts")
			continue
		}
		if q.deliver(recipient, e.event) {
			continue
		}
		e.attempts++
		e.nextRetryAt = now.Add(q.delay(e.attempts))
		survivors = append(survivors, e)
	}

	q.mu.Lock()
	// Entries enqueued while delivering go behind the survivors.
	q.queues[recipient] = append(survivors, q.queues[recipient]...)
	if len(q.queues[recipient]) == 0 {
		delete(q.queues, recipient)
	} else {
		q.scheduleRetryLocked(recipient)
	}
	q.mu.Unlock()
}

// OnListenerConnected short-circuits the backoff wait when a previously
// offline recipient reconnects: any armed timer is cancelled and the queue
// is processed immediately.
func (q *Queue) OnListenerConnected(recipient string) {
	q.mu.Lock()
	if t, ok := q.timers[recipient]; ok {
		t.Stop()
		delete(q.timers, recipient)
	}
	q.mu.Unlock()
	q.ProcessQueue(recipient)
}

// PendingCount returns the number of events awaiting redelivery.
func (q *Queue) PendingCount(recipient string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[recipient])
}

// Clear cancels all timers and empties all queues.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for recipient, t := range q.timers {
		t.Stop()
		delete(q.timers, recipient)
	}
	q.queues = make(map[string][]*entry)
}

// delay computes the backoff for the given attempt count:
// min(initialDelay * 2^(attempts-1), maxDelay).
func (q *Queue) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialDelay
	b.MaxInterval = q.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
