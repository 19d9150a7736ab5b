package manager

import (
	"sync"
	"time"

	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// EventType identifies a swap event.
type EventType string

const (
	EventSwapUpdated               EventType = "swap_updated"
	EventInitiatorPaymentConfirmed EventType = "initiator_payment_confirmed"
	EventAcceptorPaymentConfirmed  EventType = "acceptor_payment_confirmed"
	EventAcceptorPaymentSpent      EventType = "acceptor_payment_spent"
	EventSwapCanceled              EventType = "swap_canceled"
	EventSwapFailed                EventType = "swap_failed"
)

// Event is a swap notification. Swap is a snapshot without the secret.
type Event struct {
	Type      EventType
	Swap      swap.Record
	Added     swap.StateFlags // for EventSwapUpdated
	Err       error           // for EventSwapFailed
	Timestamp time.Time
}

// broker fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	log    *logging.Logger
}

func newBroker(log *logging.Logger) *broker {
	return &broker{
		subs: make(map[int]chan Event),
		log:  log,
	}
}

func (b *broker) subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broker) publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("Subscriber buffer full, dropping event", "subscriber", id, "type", e.Type, "swap_id", e.Swap.ID)
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
