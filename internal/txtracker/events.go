package txtracker

import (
	"go.uber.org/zap"
)

// Event describes one status transition of one transaction. Previous is
// empty for the initial pending event.
type Event struct {
	Transaction Transaction
	Previous    Status
}

// Listener receives lifecycle events. Listeners run on their own drain
// goroutine; a slow or panicking listener cannot stall the tracker.
type Listener func(Event)

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Subscribe registers a listener for every status transition of every
// transaction. Events are delivered in order per subscriber through a
// buffered channel; when the buffer is full new events are dropped for
// that subscriber and logged, never blocking the tracker.
//
// Precondition: fn must be non-nil.
// Postcondition: Returns an unsubscribe function, safe to call once.
func (t *Tracker) Subscribe(fn Listener) func() {
	sub := &subscriber{
		ch:   make(chan Event, t.cfg.SubscriberBuffer),
		done: make(chan struct{}),
	}

	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = sub
	t.subMu.Unlock()

	go t.drain(sub, fn)

	return func() {
		t.subMu.Lock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub.done)
		}
		t.subMu.Unlock()
	}
}

// drain delivers events to one listener, isolating panics.
func (t *Tracker) drain(sub *subscriber, fn Listener) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.ch:
			t.deliver(fn, ev)
		}
	}
}

// deliver invokes fn, recovering and logging any panic so the drain loop
// survives misbehaving listeners.
func (t *Tracker) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("listener panicked",
				zap.String("tx_id", ev.Transaction.ID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ev)
}

// publish fans an event out to all subscribers without blocking.
func (t *Tracker) publish(tx Transaction, prev Status) {
	ev := Event{Transaction: tx, Previous: prev}

	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			t.logger.Warn("subscriber buffer full, dropping event",
				zap.String("tx_id", tx.ID),
				zap.String("status", string(tx.Status)),
			)
		}
	}
}
