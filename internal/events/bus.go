// Package events is the in-process typed event bus. Subscriptions may name
// an exact event type, a "prefix.*" family, or "*" for everything. Handlers
// run on worker goroutines; a panicking handler never stops the others.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// Handler handles one event
type Handler func(ctx context.Context, event *models.Event)

// Unsubscribe removes the subscription it was returned for
type Unsubscribe func()

type subscription struct {
	id      int
	pattern string
	handler Handler
}

type queueItem struct {
	ctx   context.Context
	event *models.Event
}

// Bus distributes events to registered handlers
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int

	queue  chan queueItem
	wg     sync.WaitGroup
	logger observability.Logger

	closeOnce sync.Once
}

// NewBus creates a bus with the given number of worker goroutines
func NewBus(workers int, logger observability.Logger) *Bus {
	if workers <= 0 {
		workers = 4
	}
	bus := &Bus{
		queue:  make(chan queueItem, 1000),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		bus.wg.Add(1)
		go bus.processEvents()
	}
	return bus
}

// On registers a handler for an event type or pattern and returns its
// unsubscribe function.
func (b *Bus) On(pattern string, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// OnAny registers a handler for every event
func (b *Bus) OnAny(handler Handler) Unsubscribe {
	return b.On("*", handler)
}

// Emit queues an event for delivery. A full queue drops the event with a
// warning rather than blocking the emitter.
func (b *Bus) Emit(ctx context.Context, eventType string, data map[string]interface{}) {
	if eventType == "" {
		b.logger.Warn("Event emitted with empty type", nil)
		return
	}

	event := &models.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Source:    "harborwatch",
	}

	spanCtx, span := observability.StartSpan(ctx, "event.publish")
	span.SetAttributes(attribute.String("event.type", eventType))
	span.End()

	select {
	case b.queue <- queueItem{ctx: spanCtx, event: event}:
	default:
		b.logger.Warn("Event queue full, dropping event", map[string]interface{}{
			"event_type": eventType,
		})
	}
}

// Close stops the workers after draining the queue
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.queue)
	})
	b.wg.Wait()
}

func (b *Bus) processEvents() {
	defer b.wg.Done()
	for item := range b.queue {
		b.mu.RLock()
		matched := make([]subscription, 0, len(b.subs))
		for _, sub := range b.subs {
			if Matches(sub.pattern, item.event.Type) {
				matched = append(matched, sub)
			}
		}
		b.mu.RUnlock()

		for _, sub := range matched {
			b.dispatch(item.ctx, sub, item.event)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", map[string]interface{}{
				"event_type": event.Type,
				"panic":      r,
			})
		}
	}()
	sub.handler(ctx, event)
}

// Matches reports whether pattern covers eventType. Patterns are an exact
// type, "prefix.*", or "*".
func Matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
