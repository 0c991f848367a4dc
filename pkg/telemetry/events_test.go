package telemetry

import (
	"sync"
	"testing"
)

func syncPublisher(t *testing.T) *EventPublisher {
	t.Helper()
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:    true,
		BufferSize: 16,
	})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	return ep
}

func TestEventPublisher_DeliversToSubscribers(t *testing.T) {
	ep := syncPublisher(t)

	var mu sync.Mutex
	var got []Event
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, nil)

	if err := ep.PublishStatusChanged("order-1", "pending", "paid"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].Type != EventTypeStatusChanged || got[0].Key != "order-1" {
		t.Errorf("Unexpected event: %+v", got[0])
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be filled in")
	}
}

func TestEventPublisher_FilterByType(t *testing.T) {
	ep := syncPublisher(t)

	count := 0
	ep.Subscribe(func(Event) { count++ }, FilterByType(EventTypeOverlayRolledBack))

	_ = ep.PublishOverlayCommitted("order-1", "paid")
	_ = ep.PublishOverlayRolledBack("order-1", "rejected")

	if count != 1 {
		t.Errorf("Expected only the rollback event, got %d deliveries", count)
	}
}

func TestEventPublisher_FilterByKey(t *testing.T) {
	ep := syncPublisher(t)

	count := 0
	ep.Subscribe(func(Event) { count++ }, FilterByKey("order-1"))

	_ = ep.PublishReconciled("order-1", "clean")
	_ = ep.PublishReconciled("order-2", "overwritten")

	if count != 1 {
		t.Errorf("Expected only order-1 events, got %d deliveries", count)
	}
}

func TestEventPublisher_DisabledIsQuiet(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	count := 0
	ep.Subscribe(func(Event) { count++ }, nil)

	if err := ep.PublishWatchStarted("pay-1", "order-1"); err != nil {
		t.Errorf("Expected disabled publish to succeed quietly, got: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no deliveries when disabled, got %d", count)
	}
}
