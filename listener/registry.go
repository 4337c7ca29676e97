// Package listener implements the per-object event registry that remote
// object proxies use to fan out engine events to subscribers.
package listener

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/liuxd6825/pwclient/log"
)

// Event as delivered to a Handler.
type Event struct {
	Type string
	Data any
}

// Handler receives events of the type it subscribed to.
//
// Handlers are invoked on the connection's inbound dispatch path and must
// not block waiting for replies from the engine.
type Handler func(Event)

// Subscription identifies a single registered Handler.
type Subscription struct {
	eventType string
	handler   Handler
}

// EventType returns the event type the subscription was registered for.
func (s *Subscription) EventType() string { return s.eventType }

// SubscriberError reports a handler that panicked during Notify.
type SubscriberError struct {
	EventType string
	Recovered any
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("event %q subscriber panicked: %v", e.EventType, e.Recovered)
}

// Registry maps event types to ordered subscriber lists.
// It's safe for concurrent use.
type Registry struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		logger: logger,
		subs:   make(map[string][]*Subscription),
	}
}

// Add appends h to the subscribers of eventType.
func (r *Registry) Add(eventType string, h Handler) *Subscription {
	s := &Subscription{eventType: eventType, handler: h}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[eventType] = append(r.subs[eventType], s)

	return s
}

// Remove unregisters s. Removing an absent subscription is a no-op.
func (r *Registry) Remove(s *Subscription) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[s.eventType]
	i := slices.Index(subs, s)
	if i < 0 {
		return
	}
	subs = slices.Delete(slices.Clone(subs), i, i+1)
	if len(subs) == 0 {
		delete(r.subs, s.eventType)
		return
	}
	r.subs[s.eventType] = subs
}

// Count returns the number of subscribers of eventType.
func (r *Registry) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs[eventType])
}

// Notify delivers data to the subscribers of eventType registered at the
// time of the call. Subscribers added or removed while delivering don't
// change who receives this event. A panicking subscriber doesn't stop the
// delivery to the others; the panics are returned as SubscriberErrors.
func (r *Registry) Notify(eventType string, data any) error {
	r.mu.Lock()
	snapshot := r.subs[eventType]
	r.mu.Unlock()

	var errs []error
	ev := Event{Type: eventType, Data: data}
	for _, s := range snapshot {
		if err := r.deliver(s, ev); err != nil {
			r.logger.Warnf("listener", "%v", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Registry) deliver(s *Subscription, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &SubscriberError{EventType: ev.Type, Recovered: rec}
		}
	}()
	s.handler(ev)

	return nil
}
