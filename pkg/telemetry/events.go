package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event in the convertly system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Key is the associated entity key, if applicable.
	Key string `json:"key,omitempty"`

	// TargetID is the associated poll target ID, if applicable.
	TargetID string `json:"target_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants for common event types.
const (
	EventTypeWatchStarted      = "watch.started"
	EventTypeWatchStopped      = "watch.stopped"
	EventTypeWatchGaveUp       = "watch.gave_up"
	EventTypeStatusChanged     = "entity.status_changed"
	EventTypeOverlayApplied    = "overlay.applied"
	EventTypeOverlayCommitted  = "overlay.committed"
	EventTypeOverlayRolledBack = "overlay.rolled_back"
	EventTypeReconciled        = "entity.reconciled"
	EventTypeError             = "error"
)

// Event severity constants.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishWatchStarted publishes a watch started event.
func (ep *EventPublisher) PublishWatchStarted(targetID, key string) error {
	return ep.Publish(Event{
		Type:     EventTypeWatchStarted,
		Source:   "poller",
		TargetID: targetID,
		Key:      key,
		Message:  fmt.Sprintf("Started watching operation %s for %s", targetID, key),
		Level:    EventLevelInfo,
	})
}

// PublishWatchStopped publishes a watch stopped event.
func (ep *EventPublisher) PublishWatchStopped(targetID, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeWatchStopped,
		Source:   "poller",
		TargetID: targetID,
		Message:  fmt.Sprintf("Stopped watching operation %s: %s", targetID, reason),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishWatchGaveUp publishes an attempt-cap exhaustion event.
func (ep *EventPublisher) PublishWatchGaveUp(targetID string, attempts int) error {
	return ep.Publish(Event{
		Type:     EventTypeWatchGaveUp,
		Source:   "poller",
		TargetID: targetID,
		Message:  fmt.Sprintf("Gave up watching operation %s after %d attempts", targetID, attempts),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"attempts": attempts,
		},
	})
}

// PublishStatusChanged publishes an entity status change event.
func (ep *EventPublisher) PublishStatusChanged(key, oldStatus, newStatus string) error {
	return ep.Publish(Event{
		Type:    EventTypeStatusChanged,
		Source:  "consistency",
		Key:     key,
		Message: fmt.Sprintf("Entity %s status changed from %s to %s", key, oldStatus, newStatus),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	})
}

// PublishOverlayCommitted publishes an overlay commit event.
func (ep *EventPublisher) PublishOverlayCommitted(key, newStatus string) error {
	return ep.Publish(Event{
		Type:    EventTypeOverlayCommitted,
		Source:  "consistency",
		Key:     key,
		Message: fmt.Sprintf("Optimistic update for %s confirmed as %s", key, newStatus),
		Level:   EventLevelInfo,
	})
}

// PublishOverlayRolledBack publishes an overlay rollback event.
func (ep *EventPublisher) PublishOverlayRolledBack(key, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeOverlayRolledBack,
		Source:  "consistency",
		Key:     key,
		Message: fmt.Sprintf("Optimistic update for %s rolled back: %s", key, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishReconciled publishes a consistency check event.
func (ep *EventPublisher) PublishReconciled(key, result string) error {
	return ep.Publish(Event{
		Type:    EventTypeReconciled,
		Source:  "consistency",
		Key:     key,
		Message: fmt.Sprintf("Reconciled entity %s: %s", key, result),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"result": result,
		},
	})
}

// Subscribe adds a new event subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain remaining events before shutting down
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByKey creates a filter that only allows events for one entity key.
func FilterByKey(key string) EventFilter {
	return func(event Event) bool {
		return event.Key == key
	}
}
