package mqtt

import (
	"sync"

	"github.com/sweeney/vivarium-controller/internal/events"
)

// FakePublisher records published messages for test assertions.
// It is safe for concurrent use.
type FakePublisher struct {
	mu sync.Mutex

	events         []events.Record
	alerts         [][]byte
	systemEvents   []SystemEvent
	systemPayloads [][]byte
	subs           map[string]Handler
	closed         bool

	// PublishError, if set, is returned by every publish method.
	PublishError error

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{subs: make(map[string]Handler)}
}

// PublishEvent records the event.
func (f *FakePublisher) PublishEvent(r events.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.events = append(f.events, r)
	return nil
}

// PublishAlert records the alert payload.
func (f *FakePublisher) PublishAlert(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.alerts = append(f.alerts, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.systemPayloads = append(f.systemPayloads, payload)
	return nil
}

// Subscribe records h so tests can Deliver to it.
func (f *FakePublisher) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = h
	return nil
}

// Deliver invokes the handler registered for topic, as if the broker had
// delivered a message on it. Reports whether a handler was found.
func (f *FakePublisher) Deliver(subscription, topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.subs[subscription]
	f.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Events returns the recorded event records.
func (f *FakePublisher) Events() []events.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Record(nil), f.events...)
}

// Alerts returns the recorded alert payloads.
func (f *FakePublisher) Alerts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.alerts...)
}

// SystemEvents returns the recorded system events.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// SystemPayloads returns the JSON payloads of the recorded system events.
func (f *FakePublisher) SystemPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.systemPayloads...)
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
	f.alerts = nil
	f.systemEvents = nil
	f.systemPayloads = nil
	f.closed = false
	f.PublishError = nil
}
