// Package events is a small in-process pub/sub bus for the job lifecycle
// notifications components want to react to without polling the store
// directly (new job pushed, job completed, flow advanced, trigger fired).
// Adapted from the teacher's internal/services/events/event_service.go.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// Type enumerates the kinds of events windmill-core publishes internally.
type Type string

const (
	JobPushed     Type = "job.pushed"
	JobClaimed    Type = "job.claimed"
	JobCompleted  Type = "job.completed"
	FlowAdvanced  Type = "flow.advanced"
	FlowSuspended Type = "flow.suspended"
	TriggerFired  Type = "trigger.fired"
	TriggerError  Type = "trigger.error"
)

// Event is one published occurrence, carrying whatever payload its Type
// implies (a *models.Job, a *models.FlowStatus, ...).
type Event struct {
	Type    Type
	Payload any
}

// Handler reacts to a published event. A returned error is logged, not
// propagated: subscribers must not block or fail the publisher.
type Handler func(ctx context.Context, event Event) error

// Bus is a concurrency-safe multi-producer multi-consumer event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Handler
	logger      arbor.ILogger
}

// New creates an empty Bus.
func New(logger arbor.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[Type][]Handler),
		logger:      logger,
	}
}

// Subscribe registers handler for eventType.
func (b *Bus) Subscribe(eventType Type, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("events: handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	return nil
}

// Publish fans event out to every subscriber on its own goroutine; handler
// errors are logged and otherwise swallowed.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.subscribers[event.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				b.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("event handler failed")
			}
		}(h)
	}
}

// PublishSync fans event out and waits for every handler to return,
// aggregating failures, for callers where ordering/visibility matters.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.subscribers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(handlers))
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				b.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("event handler failed")
				errs <- err
			}
		}(h)
	}
	wg.Wait()
	close(errs)

	n := 0
	for range errs {
		n++
	}
	if n > 0 {
		return fmt.Errorf("events: %d handler(s) failed for %s", n, event.Type)
	}
	return nil
}
