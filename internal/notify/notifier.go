// Package notify delivers out-of-band notifications to connected clients,
// parking undeliverable events on the retry queue.
package notify

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pro-assist/stina-server/internal/logging"
	"github.com/pro-assist/stina-server/internal/retry"
)

// WriterFunc pushes one event to a client connection. It reports whether
// the write succeeded.
type WriterFunc func(evt retry.Event) bool

// Notifier fans notifications out to a recipient's connected writers. A
// notification is delivered when any writer accepts it; with no writers (or
// all failing) it goes to the retry queue.
type Notifier struct {
	mu      sync.Mutex
	writers map[string]map[string]WriterFunc
	retry   *retry.Queue
	log     zerolog.Logger
}

// New creates a notifier with the given retry configuration.
func New(cfg retry.Config) *Notifier {
	n := &Notifier{
		writers: make(map[string]map[string]WriterFunc),
		log:     logging.Component("notify"),
	}
	n.retry = retry.New(cfg, n.deliver)
	return n
}

// AddWriter registers a client connection for a recipient and returns a
// remove closure. Anything parked for the recipient is flushed immediately.
func (n *Notifier) AddWriter(recipient string, w WriterFunc) func() {
	n.mu.Lock()
	if n.writers[recipient] == nil {
		n.writers[recipient] = make(map[string]WriterFunc)
	}
	id := ulid.Make().String()
	n.writers[recipient][id] = w
	n.mu.Unlock()

	n.retry.OnListenerConnected(recipient)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.writers[recipient], id)
		if len(n.writers[recipient]) == 0 {
			delete(n.writers, recipient)
		}
	}
}

// Notify attempts direct delivery; on failure the event is parked for
// backoff redelivery.
func (n *Notifier) Notify(recipient string, evt retry.Event) {
	if n.deliver(recipient, evt) {
		return
	}
	n.log.Debug().Str("recipient", recipient).Str("event", evt.Type).Msg("parking undelivered notification")
	n.retry.Enqueue(recipient, evt)
}

// deliver pushes to every registered writer; one success is enough.
func (n *Notifier) deliver(recipient string, evt retry.Event) bool {
	n.mu.Lock()
	writers := make([]WriterFunc, 0, len(n.writers[recipient]))
	for _, w := range n.writers[recipient] {
		writers = append(writers, w)
	}
	n.mu.Unlock()

	delivered := false
	for _, w := range writers {
		if w(evt) {
			delivered = true
		}
	}
	return delivered
}

// PendingCount returns the number of parked notifications for a recipient.
func (n *Notifier) PendingCount(recipient string) int {
	return n.retry.PendingCount(recipient)
}

// Close drops all parked notifications.
func (n *Notifier) Close() {
	n.retry.Clear()
}
