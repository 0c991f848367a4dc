package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convertly/convertly/pkg/status"
)

// scriptedFetcher returns statuses from a script, one per call, and
// keeps returning the last entry once the script is exhausted.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []status.Status
	errs   []error
	calls  int
}

func (f *scriptedFetcher) fetch(_ context.Context, _ string) (status.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.script[i], err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitInactive(t *testing.T, p *Poller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !p.IsActive() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Poller did not become inactive before the deadline")
}

func TestNextInterval_GrowthSequence(t *testing.T) {
	initial := 3000 * time.Millisecond
	max := 30000 * time.Millisecond

	first := NextInterval(initial, initial, max, 1.5)
	if first != 4500*time.Millisecond {
		t.Errorf("Expected 4500ms, got %v", first)
	}

	second := NextInterval(first, initial, max, 1.5)
	if second != 6750*time.Millisecond {
		t.Errorf("Expected 6750ms, got %v", second)
	}
}

func TestNextInterval_ClampsToMax(t *testing.T) {
	initial := 3 * time.Second
	max := 30 * time.Second

	got := NextInterval(25*time.Second, initial, max, 1.5)
	if got != max {
		t.Errorf("Expected clamp to %v, got %v", max, got)
	}
}

func TestNextInterval_ErrorBackoffDoublesMultiplier(t *testing.T) {
	initial := 3 * time.Second
	max := 30 * time.Second

	got := NextInterval(initial, initial, max, 1.5*2)
	if got != 9*time.Second {
		t.Errorf("Expected 9s after an error cycle, got %v", got)
	}
}

func TestNextInterval_NeverBelowInitial(t *testing.T) {
	initial := 3 * time.Second
	got := NextInterval(time.Second, initial, 30*time.Second, 1.5)
	if got != initial {
		t.Errorf("Expected clamp to %v, got %v", initial, got)
	}
}

func TestPoller_StopsOnTerminalStatus(t *testing.T) {
	fetcher := &scriptedFetcher{
		script: []status.Status{status.StatusPending, status.StatusProcessing, status.StatusCompleted},
	}

	var mu sync.Mutex
	var seen []status.Status

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		OnStatus: func(s status.Status) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})

	p.Start()
	waitInactive(t, p)

	mu.Lock()
	defer mu.Unlock()

	if len(seen) != 3 {
		t.Fatalf("Expected 3 statuses, got %d: %v", len(seen), seen)
	}
	if seen[2] != status.StatusCompleted {
		t.Errorf("Expected final status completed, got %s", seen[2])
	}
	if fetcher.callCount() != 3 {
		t.Errorf("Expected polling to stop after the terminal status, got %d calls", fetcher.callCount())
	}
}

func TestPoller_CustomTerminalSet(t *testing.T) {
	fetcher := &scriptedFetcher{
		script: []status.Status{status.StatusProcessing, status.StatusPaid},
	}

	target := status.PollTarget{
		ID:        "pay-1",
		EntityKey: "order-1",
		Terminal:  map[status.Status]bool{status.StatusPaid: true},
	}

	p := New(target, fetcher.fetch, Config{
		InitialInterval: 5 * time.Millisecond,
	})

	p.Start()
	waitInactive(t, p)

	if fetcher.callCount() != 2 {
		t.Errorf("Expected 2 calls before the custom terminal, got %d", fetcher.callCount())
	}
}

func TestPoller_GivesUpAfterMaxAttempts(t *testing.T) {
	fetcher := &scriptedFetcher{
		script: []status.Status{status.StatusPending},
	}

	gaveUp := make(chan status.Status, 1)

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
		MaxAttempts:     3,
		OnGiveUp: func(s status.Status) {
			gaveUp <- s
		},
	})

	p.Start()

	select {
	case final := <-gaveUp:
		if final != status.StatusTimeout {
			t.Errorf("Expected give-up status timeout, got %s", final)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnGiveUp was not invoked")
	}

	waitInactive(t, p)

	if fetcher.callCount() != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", fetcher.callCount())
	}
	if p.Attempts() != 3 {
		t.Errorf("Expected Attempts()=3, got %d", p.Attempts())
	}
}

func TestPoller_GiveUpIsQuietWithoutCallback(t *testing.T) {
	fetcher := &scriptedFetcher{
		script: []status.Status{status.StatusPending},
	}

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval: 2 * time.Millisecond,
		MaxAttempts:     2,
	})

	p.Start()
	waitInactive(t, p)

	if fetcher.callCount() != 2 {
		t.Errorf("Expected 2 attempts, got %d", fetcher.callCount())
	}
}

func TestPoller_ErrorsConsumeAttemptsAndReport(t *testing.T) {
	fetchErr := status.NewTransientError("provider unavailable", nil)
	fetcher := &scriptedFetcher{
		script: []status.Status{"", ""},
		errs:   []error{fetchErr, fetchErr},
	}

	var mu sync.Mutex
	var errs []error

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval: 2 * time.Millisecond,
		MaxAttempts:     2,
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	p.Start()
	waitInactive(t, p)

	mu.Lock()
	defer mu.Unlock()

	if len(errs) != 2 {
		t.Fatalf("Expected 2 error callbacks, got %d", len(errs))
	}
	if !errors.Is(errs[0], fetchErr) {
		t.Errorf("Expected the fetch error to pass through, got %v", errs[0])
	}
}

func TestPoller_StopPreventsFurtherCallbacks(t *testing.T) {
	fetcher := &scriptedFetcher{
		script: []status.Status{status.StatusPending},
	}

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval: 50 * time.Millisecond,
	})

	p.Start()
	p.Stop()

	time.Sleep(150 * time.Millisecond)

	if fetcher.callCount() != 0 {
		t.Errorf("Expected no fetches after Stop, got %d", fetcher.callCount())
	}
	if p.IsActive() {
		t.Error("Expected poller to be inactive after Stop")
	}
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	fetcher := &scriptedFetcher{script: []status.Status{status.StatusPending}}

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval: time.Hour,
	})

	p.Stop() // before Start
	p.Start()
	p.Stop()
	p.Stop()

	if p.IsActive() {
		t.Error("Expected poller to be inactive")
	}
}

func TestPoller_StartIsIdempotentWhileActive(t *testing.T) {
	fetcher := &scriptedFetcher{script: []status.Status{status.StatusPending}}

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval: time.Hour,
	})

	p.Start()
	p.Start()
	defer p.Stop()

	if !p.IsActive() {
		t.Fatal("Expected poller to be active")
	}
	if p.CurrentInterval() != time.Hour {
		t.Errorf("Expected interval unchanged by the second Start, got %v", p.CurrentInterval())
	}
}

func TestPoller_IntervalGrowsAndClamps(t *testing.T) {
	fetcher := &scriptedFetcher{
		script: []status.Status{status.StatusPending},
	}

	polled := make(chan struct{}, 16)

	p := New(status.PollTarget{ID: "pay-1", EntityKey: "order-1"}, fetcher.fetch, Config{
		InitialInterval:   4 * time.Millisecond,
		MaxInterval:       10 * time.Millisecond,
		BackoffMultiplier: 4,
		OnStatus: func(status.Status) {
			polled <- struct{}{}
		},
	})

	p.Start()
	defer p.Stop()

	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("First poll did not happen")
	}

	// The interval update lands just after the status callback.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.CurrentInterval() == 10*time.Millisecond {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Errorf("Expected interval clamped to max, got %v", p.CurrentInterval())
}
