package consistency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convertly/convertly/pkg/status"
	"github.com/convertly/convertly/pkg/store"
)

// fakeRemote is a scriptable confirmer and fetcher.
type fakeRemote struct {
	mu           sync.Mutex
	confirmErr   error
	confirmCalls int
	fetchStatus  status.Status
	fetchErr     error

	// gate, when non-nil, blocks ConfirmStatus until closed.
	gate chan struct{}

	// active tracks concurrent in-flight confirmations.
	active    int
	maxActive int
}

func (f *fakeRemote) ConfirmStatus(_ context.Context, _ string, _ status.Status) error {
	f.mu.Lock()
	f.confirmCalls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate := f.gate
	err := f.confirmErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	} else {
		time.Sleep(time.Millisecond)
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return err
}

func (f *fakeRemote) FetchStatus(_ context.Context, _ string) (status.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchStatus, f.fetchErr
}

// recorder subscribes to one key and records every notification.
type recorder struct {
	mu   sync.Mutex
	recs []status.EntityRecord
}

func (r *recorder) observe(_ string, rec status.EntityRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) records() []status.EntityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]status.EntityRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

func newTestManager(remoteSvc *fakeRemote, staleness time.Duration) (*Manager, *store.MemoryStore) {
	s := store.NewMemoryStore()
	m := NewManager(ManagerConfig{
		Store:              s,
		Confirmer:          remoteSvc,
		Fetcher:            remoteSvc,
		StalenessThreshold: staleness,
	})
	return m, s
}

func TestManager_OptimisticCommitNotifiesTwice(t *testing.T) {
	remoteSvc := &fakeRemote{}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	rec := &recorder{}
	s.Subscribe("order-1", rec.observe)

	result, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusProcessing, UpdateOptions{
		Optimistic:      true,
		RollbackOnError: true,
	})
	if err != nil {
		t.Fatalf("Expected commit, got: %v", err)
	}
	if !result.Committed || result.Status != status.StatusProcessing {
		t.Errorf("Expected committed processing result, got %+v", result)
	}

	recs := rec.records()
	if len(recs) != 2 {
		t.Fatalf("Expected exactly 2 notifications (apply, commit), got %d", len(recs))
	}
	if recs[0].Status != status.StatusProcessing || !recs[0].Pending {
		t.Errorf("Expected first notification pending processing, got %+v", recs[0])
	}
	if recs[1].Status != status.StatusProcessing || recs[1].Pending {
		t.Errorf("Expected second notification confirmed processing, got %+v", recs[1])
	}

	if m.HasPendingOptimisticUpdates() {
		t.Error("Expected no pending overlays after commit")
	}
}

func TestManager_RollbackRestoresPriorExactly(t *testing.T) {
	remoteSvc := &fakeRemote{confirmErr: status.NewConflictError("rejected", nil)}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	prior := status.EntityRecord{
		Key:     "order-1",
		Status:  status.StatusPending,
		Payload: json.RawMessage(`{"amount_cents":995}`),
	}
	s.Set("order-1", prior)

	rec := &recorder{}
	s.Subscribe("order-1", rec.observe)

	result, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{
		Optimistic:      true,
		RollbackOnError: true,
	})
	if err == nil {
		t.Fatal("Expected an error from the failed confirmation")
	}
	if !status.IsConflict(err) {
		t.Errorf("Expected a conflict error, got: %v", err)
	}
	if !result.RolledBack || result.Status != status.StatusPending {
		t.Errorf("Expected rolled-back pending result, got %+v", result)
	}

	recs := rec.records()
	if len(recs) != 2 {
		t.Fatalf("Expected exactly 2 notifications (apply, rollback), got %d", len(recs))
	}
	if !recs[1].Equal(prior) {
		t.Errorf("Expected rollback to restore the prior value exactly, got %+v", recs[1])
	}

	got, ok := s.Get("order-1")
	if !ok || !got.Equal(prior) {
		t.Errorf("Expected store to hold the prior value, got %+v", got)
	}
	if m.HasPendingOptimisticUpdates() {
		t.Error("Expected no pending overlays after rollback")
	}
}

func TestManager_RollbackDeletesWhenNoPrior(t *testing.T) {
	remoteSvc := &fakeRemote{confirmErr: status.NewConflictError("rejected", nil)}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	rec := &recorder{}
	s.Subscribe("order-1", rec.observe)

	_, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusProcessing, UpdateOptions{
		Optimistic:      true,
		RollbackOnError: true,
	})
	if err == nil {
		t.Fatal("Expected an error from the failed confirmation")
	}

	if _, ok := s.Get("order-1"); ok {
		t.Error("Expected the key to be removed when there was no prior value")
	}

	// The removal must be as observable as the apply: an observer that
	// saw the optimistic value cannot be left resting on it.
	recs := rec.records()
	if len(recs) != 2 {
		t.Fatalf("Expected exactly 2 notifications (apply, rollback), got %d: %+v", len(recs), recs)
	}
	if recs[0].Status != status.StatusProcessing || !recs[0].Pending {
		t.Errorf("Expected first notification pending processing, got %+v", recs[0])
	}
	if recs[1].Status != "" || recs[1].Key != "order-1" {
		t.Errorf("Expected the rollback notification to mark the removal, got %+v", recs[1])
	}
}

func TestManager_KeepsOverlayWithoutRollback(t *testing.T) {
	remoteSvc := &fakeRemote{confirmErr: status.NewTransientError("provider down", nil)}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	s.Set("order-1", status.EntityRecord{Key: "order-1", Status: status.StatusPending})

	result, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{
		Optimistic:      true,
		RollbackOnError: false,
	})
	if err == nil {
		t.Fatal("Expected the confirmation error to be reported")
	}
	if !result.OverlayKept {
		t.Errorf("Expected the overlay to be kept, got %+v", result)
	}

	got, _ := s.Get("order-1")
	if got.Status != status.StatusPaid || !got.Pending {
		t.Errorf("Expected the unconfirmed optimistic value to remain, got %+v", got)
	}
	if !m.HasPendingOptimisticUpdates() {
		t.Error("Expected a pending overlay to remain")
	}
}

func TestManager_NonOptimisticWritesOnlyAfterConfirm(t *testing.T) {
	remoteSvc := &fakeRemote{confirmErr: status.NewTransientError("provider down", nil)}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	rec := &recorder{}
	s.Subscribe("order-1", rec.observe)

	_, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusProcessing, UpdateOptions{})
	if err == nil {
		t.Fatal("Expected an error from the failed confirmation")
	}
	if len(rec.records()) != 0 {
		t.Error("Expected no notification when the confirmation failed")
	}
	if _, ok := s.Get("order-1"); ok {
		t.Error("Expected no write when the confirmation failed")
	}

	remoteSvc.mu.Lock()
	remoteSvc.confirmErr = nil
	remoteSvc.mu.Unlock()

	result, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusProcessing, UpdateOptions{})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if !result.Committed {
		t.Errorf("Expected committed result, got %+v", result)
	}
	recs := rec.records()
	if len(recs) != 1 || recs[0].Pending {
		t.Errorf("Expected one confirmed notification, got %+v", recs)
	}
}

func TestManager_RejectsInvalidStatus(t *testing.T) {
	m, _ := newTestManager(&fakeRemote{}, 0)
	defer m.Cleanup()

	_, err := m.UpdateEntityStatus(context.Background(), "order-1", "shipped", UpdateOptions{Optimistic: true})
	if err == nil {
		t.Fatal("Expected invalid status to be rejected")
	}
	if !status.IsPermanent(err) {
		t.Errorf("Expected a permanent error, got: %v", err)
	}
}

func TestManager_SerializesUpdatesPerKey(t *testing.T) {
	remoteSvc := &fakeRemote{}
	m, _ := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.UpdateEntityStatus(context.Background(), "order-1", status.StatusProcessing, UpdateOptions{
				Optimistic:      true,
				RollbackOnError: true,
			})
		}()
	}
	wg.Wait()

	remoteSvc.mu.Lock()
	defer remoteSvc.mu.Unlock()

	if remoteSvc.confirmCalls != 8 {
		t.Errorf("Expected 8 confirmations, got %d", remoteSvc.confirmCalls)
	}
	if remoteSvc.maxActive != 1 {
		t.Errorf("Expected updates for one key to never interleave, saw %d concurrent confirmations", remoteSvc.maxActive)
	}
}

func TestManager_ApplyAuthoritativeDropsOverlay(t *testing.T) {
	remoteSvc := &fakeRemote{confirmErr: status.NewTransientError("provider down", nil)}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	// Leave an unconfirmed overlay behind.
	_, _ = m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{Optimistic: true})
	if !m.HasPendingOptimisticUpdates() {
		t.Fatal("Expected a pending overlay")
	}

	if err := m.ApplyAuthoritative("order-1", status.StatusCompleted); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}

	got, _ := s.Get("order-1")
	if got.Status != status.StatusCompleted || got.Pending {
		t.Errorf("Expected confirmed completed, got %+v", got)
	}
	if m.HasPendingOptimisticUpdates() {
		t.Error("Expected the overlay to be dropped")
	}
}

func TestManager_ApplyAuthoritativeSameStatusIsQuiet(t *testing.T) {
	remoteSvc := &fakeRemote{}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	s.Set("order-1", status.EntityRecord{Key: "order-1", Status: status.StatusPaid})

	rec := &recorder{}
	s.Subscribe("order-1", rec.observe)

	if err := m.ApplyAuthoritative("order-1", status.StatusPaid); err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if len(rec.records()) != 0 {
		t.Error("Expected no notification for an unchanged status")
	}
}

func TestManager_EnsureConsistencyLeavesFreshOverlay(t *testing.T) {
	remoteSvc := &fakeRemote{
		confirmErr:  status.NewTransientError("provider down", nil),
		fetchStatus: status.StatusPending,
	}
	m, s := newTestManager(remoteSvc, time.Hour)
	defer m.Cleanup()

	_, _ = m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{Optimistic: true})

	if err := m.EnsureConsistency(context.Background(), "order-1"); err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}

	got, _ := s.Get("order-1")
	if got.Status != status.StatusPaid || !got.Pending {
		t.Errorf("Expected the fresh overlay to be left alone, got %+v", got)
	}
}

func TestManager_EnsureConsistencyOverwritesStaleOverlay(t *testing.T) {
	remoteSvc := &fakeRemote{
		confirmErr:  status.NewTransientError("provider down", nil),
		fetchStatus: status.StatusCompleted,
	}
	m, s := newTestManager(remoteSvc, time.Nanosecond)
	defer m.Cleanup()

	_, _ = m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{Optimistic: true})

	if err := m.EnsureConsistency(context.Background(), "order-1"); err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}

	got, _ := s.Get("order-1")
	if got.Status != status.StatusCompleted || got.Pending {
		t.Errorf("Expected the stale overlay to be overwritten, got %+v", got)
	}
	if m.HasPendingOptimisticUpdates() {
		t.Error("Expected the overlay to be cleared")
	}
}

func TestManager_EnsureConsistencyCleanStateIsQuiet(t *testing.T) {
	remoteSvc := &fakeRemote{fetchStatus: status.StatusPaid}
	m, s := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	s.Set("order-1", status.EntityRecord{Key: "order-1", Status: status.StatusPaid})

	rec := &recorder{}
	s.Subscribe("order-1", rec.observe)

	if err := m.EnsureConsistency(context.Background(), "order-1"); err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if len(rec.records()) != 0 {
		t.Error("Expected no notification when local state already matches")
	}
}

func TestManager_EnsureConsistencyReportsFetchFailure(t *testing.T) {
	remoteSvc := &fakeRemote{fetchErr: status.NewTransientError("provider down", nil)}
	m, _ := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	err := m.EnsureConsistency(context.Background(), "order-1")
	if err == nil {
		t.Fatal("Expected the fetch failure to be reported")
	}
	if !status.IsTransient(err) {
		t.Errorf("Expected a transient error, got: %v", err)
	}
}

func TestManager_CleanupDiscardsLateConfirmation(t *testing.T) {
	gate := make(chan struct{})
	remoteSvc := &fakeRemote{gate: gate}
	m, s := newTestManager(remoteSvc, 0)

	rec := &recorder{}
	s.Subscribe("order-1", rec.observe)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{Optimistic: true})
		errCh <- err
	}()

	// Wait for the optimistic apply, then close while the confirmation
	// is still in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.records()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if len(rec.records()) != 1 {
		t.Fatal("Expected the optimistic apply before cleanup")
	}

	m.Cleanup()
	close(gate)

	err := <-errCh
	if err == nil {
		t.Fatal("Expected the late confirmation to be reported as discarded")
	}
	if !status.IsPermanent(err) {
		t.Errorf("Expected a permanent error, got: %v", err)
	}

	if len(rec.records()) != 1 {
		t.Errorf("Expected no notification after cleanup, got %d", len(rec.records()))
	}
	if m.HasPendingOptimisticUpdates() {
		t.Error("Expected cleanup to discard all overlays")
	}
}

func TestManager_NoNotificationAfterCleanup(t *testing.T) {
	// Cleanup and the settle step exclude each other, so however the
	// two interleave, nothing may fire once Cleanup has returned.
	for i := 0; i < 200; i++ {
		remoteSvc := &fakeRemote{}
		m, s := newTestManager(remoteSvc, 0)

		var cleanedUp atomic.Bool
		var late atomic.Int32
		s.Subscribe("order-1", func(string, status.EntityRecord) {
			if cleanedUp.Load() {
				late.Add(1)
			}
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{
				Optimistic:      true,
				RollbackOnError: true,
			})
		}()

		m.Cleanup()
		cleanedUp.Store(true)
		<-done

		if n := late.Load(); n != 0 {
			t.Fatalf("Saw %d notifications after cleanup returned on iteration %d", n, i)
		}
	}
}

func TestManager_RejectsUpdatesAfterCleanup(t *testing.T) {
	m, _ := newTestManager(&fakeRemote{}, 0)

	m.Cleanup()
	m.Cleanup() // idempotent

	_, err := m.UpdateEntityStatus(context.Background(), "order-1", status.StatusProcessing, UpdateOptions{})
	if err == nil {
		t.Fatal("Expected updates after cleanup to be rejected")
	}
	if !status.IsPermanent(err) {
		t.Errorf("Expected a permanent error, got: %v", err)
	}

	if err := m.ApplyAuthoritative("order-1", status.StatusPaid); err == nil {
		t.Error("Expected authoritative applies after cleanup to be rejected")
	}
}

func TestManager_OptimisticUpdatesSnapshot(t *testing.T) {
	remoteSvc := &fakeRemote{confirmErr: status.NewTransientError("provider down", nil)}
	m, _ := newTestManager(remoteSvc, 0)
	defer m.Cleanup()

	_, _ = m.UpdateEntityStatus(context.Background(), "order-1", status.StatusPaid, UpdateOptions{Optimistic: true})
	_, _ = m.UpdateEntityStatus(context.Background(), "order-2", status.StatusProcessing, UpdateOptions{Optimistic: true})

	overlays := m.OptimisticUpdates()
	if len(overlays) != 2 {
		t.Fatalf("Expected 2 overlays, got %d", len(overlays))
	}
	for _, o := range overlays {
		if !o.Proposed.Pending {
			t.Errorf("Expected overlay %s to be pending, got %+v", o.Key, o.Proposed)
		}
	}
}
