// Package consistency implements the optimistic consistency manager:
// the single write path into the shared entity store. It applies
// optimistic overlays with rollback, serializes mutations per key so
// every observer sees one linear history, and reconciles local state
// against the remote system after periods of drift.
package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/convertly/convertly/pkg/remote"
	"github.com/convertly/convertly/pkg/status"
	"github.com/convertly/convertly/pkg/store"
	"github.com/convertly/convertly/pkg/telemetry"
)

// DefaultStalenessThreshold is how old an unconfirmed overlay must be
// before EnsureConsistency overwrites it with freshly fetched state.
const DefaultStalenessThreshold = 5 * time.Minute

// UpdateOptions controls one UpdateEntityStatus call.
type UpdateOptions struct {
	// Optimistic applies the proposed value locally, and notifies
	// observers, before the confirming request settles.
	Optimistic bool

	// RollbackOnError restores the pre-overlay authoritative value if
	// the confirming request fails. When false, the unconfirmed
	// overlay is kept as a best-effort local value and the error is
	// still reported.
	RollbackOnError bool
}

// Result describes how an update settled.
type Result struct {
	// Key is the entity key that was updated.
	Key string

	// Status is the value the entity holds after the call.
	Status status.Status

	// Committed is true when the proposed value became authoritative.
	Committed bool

	// RolledBack is true when a failed confirmation restored the prior value.
	RolledBack bool

	// OverlayKept is true when a failed confirmation left the
	// unconfirmed overlay in place (RollbackOnError false).
	OverlayKept bool
}

// ManagerConfig holds the collaborators and options for NewManager.
type ManagerConfig struct {
	// Store is the subscribable entity store the manager writes to.
	Store store.Store

	// Confirmer issues the confirming request behind each update.
	Confirmer remote.Confirmer

	// Fetcher re-fetches authoritative state for EnsureConsistency.
	Fetcher remote.StatusFetcher

	// StalenessThreshold is the minimum overlay age before a
	// reconciliation overwrites it. Zero means the default.
	StalenessThreshold time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Manager is the single writer for shared entity state. All mutations
// for a key are serialized; a pending overlay settles (commit or
// rollback) before the next mutation for that key begins.
type Manager struct {
	store     store.Store
	confirmer remote.Confirmer
	fetcher   remote.StatusFetcher
	staleness time.Duration
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher

	// settleMu serializes every store write against Cleanup: once
	// Cleanup holds it, no further write or notification can start, so
	// nothing fires after Cleanup returns.
	settleMu sync.Mutex

	mu       sync.Mutex
	overlays map[string]status.OptimisticOverlay
	keyLocks map[string]*sync.Mutex
	closed   bool
}

// NewManager creates a consistency manager. It holds no global state;
// the composition root owns its lifecycle and calls Cleanup at shutdown.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultStalenessThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.FromContext(context.Background())
	}

	return &Manager{
		store:     cfg.Store,
		confirmer: cfg.Confirmer,
		fetcher:   cfg.Fetcher,
		staleness: cfg.StalenessThreshold,
		logger:    cfg.Logger.NewComponentLogger("consistency"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		events:    cfg.Events,
		overlays:  make(map[string]status.OptimisticOverlay),
		keyLocks:  make(map[string]*sync.Mutex),
	}
}

// UpdateEntityStatus proposes a new status for the entity at key.
//
// With Optimistic set, the proposed value is written and observers are
// notified before the confirming request is issued; the overlay then
// either commits (second notification clears the pending flag) or, on
// failure with RollbackOnError, the prior authoritative value is
// restored bit for bit. Without Optimistic, the store is only written
// after the confirming request succeeds.
//
// Calls for the same key never interleave: a second call blocks until
// the first settles.
func (m *Manager) UpdateEntityStatus(ctx context.Context, key string, proposed status.Status, opts UpdateOptions) (Result, error) {
	if err := proposed.Validate(); err != nil {
		return Result{Key: key}, status.NewPermanentError("invalid proposed status", err).WithKey(key)
	}

	kl, err := m.lockKey(key)
	if err != nil {
		return Result{Key: key}, err
	}
	defer kl.Unlock()

	if opts.Optimistic {
		return m.updateOptimistic(ctx, key, proposed, opts)
	}
	return m.updateConfirmed(ctx, key, proposed)
}

func (m *Manager) updateOptimistic(ctx context.Context, key string, proposed status.Status, opts UpdateOptions) (Result, error) {
	now := time.Now()
	prior, hadPrior := m.store.Get(key)

	proposedRec := prior
	if !hadPrior {
		proposedRec = status.EntityRecord{Key: key, CreatedAt: now}
	}
	priorStatus := prior.Status
	proposedRec.Status = proposed
	proposedRec.Pending = true
	proposedRec.UpdatedAt = now

	overlay := status.OptimisticOverlay{
		Key:       key,
		Proposed:  proposedRec,
		Prior:     prior,
		HadPrior:  hadPrior,
		CreatedAt: now,
	}

	m.settleMu.Lock()
	if m.isClosed() {
		m.settleMu.Unlock()
		return Result{Key: key}, status.NewPermanentError("manager closed", nil).WithKey(key)
	}
	m.mu.Lock()
	m.overlays[key] = overlay
	m.mu.Unlock()

	// Notification 1: the optimistic apply.
	m.store.Set(key, proposedRec)
	m.metrics.RecordOverlayApplied()
	m.publishStatusChanged(key, priorStatus, proposed)
	m.settleMu.Unlock()

	confirmCtx, span := m.tracer.StartConfirmSpan(ctx, key)
	confirmStart := time.Now()
	confirmErr := m.confirmer.ConfirmStatus(confirmCtx, key, proposed)
	if confirmErr != nil {
		telemetry.RecordError(span, confirmErr)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()

	m.settleMu.Lock()
	defer m.settleMu.Unlock()

	if m.isClosed() {
		// Cleanup happened while the confirmation was in flight. The
		// late resolution is discarded; no write, no notification.
		return Result{Key: key, Status: proposed},
			status.NewPermanentError("manager closed, late confirmation discarded", nil).WithKey(key)
	}

	if confirmErr == nil {
		m.metrics.RecordConfirm("success", time.Since(confirmStart))
		m.clearOverlay(key)

		committed := proposedRec
		committed.Pending = false
		committed.UpdatedAt = time.Now()

		// Notification 2: the commit. The status is unchanged but the
		// pending flag clears.
		m.store.Set(key, committed)
		m.metrics.RecordOverlayCommitted()
		if m.events != nil {
			_ = m.events.PublishOverlayCommitted(key, string(proposed))
		}
		return Result{Key: key, Status: proposed, Committed: true}, nil
	}

	m.metrics.RecordConfirm("failure", time.Since(confirmStart))
	m.recordErrorClass(confirmErr)

	if opts.RollbackOnError {
		m.clearOverlay(key)
		// Notification 2: the rollback. When no value preceded the
		// overlay, the removal itself is notified, so observers that
		// saw the apply are never left resting on a rolled-back value.
		if overlay.HadPrior {
			m.store.Set(key, overlay.Prior)
		} else {
			m.store.Delete(key)
		}
		m.metrics.RecordOverlayRolledBack()
		if m.events != nil {
			_ = m.events.PublishOverlayRolledBack(key, confirmErr.Error())
		}
		m.logger.WithKey(key).WithError(confirmErr).Warn("confirmation failed, rolled back optimistic update")
		return Result{Key: key, Status: overlay.Prior.Status, RolledBack: true},
			status.NewConflictError("confirmation failed", confirmErr).WithKey(key).WithOperation("update")
	}

	// Keep the unconfirmed overlay as a best-effort local value.
	m.metrics.RecordOverlayKept()
	m.logger.WithKey(key).WithError(confirmErr).Warn("confirmation failed, keeping unconfirmed optimistic value")
	return Result{Key: key, Status: proposed, OverlayKept: true},
		status.NewConflictError("confirmation failed", confirmErr).WithKey(key).WithOperation("update")
}

func (m *Manager) updateConfirmed(ctx context.Context, key string, proposed status.Status) (Result, error) {
	prior, hadPrior := m.store.Get(key)

	confirmCtx, span := m.tracer.StartConfirmSpan(ctx, key)
	confirmStart := time.Now()
	err := m.confirmer.ConfirmStatus(confirmCtx, key, proposed)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		m.metrics.RecordConfirm("failure", time.Since(confirmStart))
		m.recordErrorClass(err)
		return Result{Key: key, Status: prior.Status},
			status.NewConflictError("confirmation failed", err).WithKey(key).WithOperation("update")
	}
	telemetry.RecordSuccess(span)
	span.End()
	m.metrics.RecordConfirm("success", time.Since(confirmStart))

	m.settleMu.Lock()
	defer m.settleMu.Unlock()

	if m.isClosed() {
		return Result{Key: key, Status: prior.Status},
			status.NewPermanentError("manager closed, late confirmation discarded", nil).WithKey(key)
	}

	now := time.Now()
	rec := prior
	if !hadPrior {
		rec = status.EntityRecord{Key: key, CreatedAt: now}
	}
	rec.Status = proposed
	rec.Pending = false
	rec.UpdatedAt = now

	m.store.Set(key, rec)
	m.publishStatusChanged(key, prior.Status, proposed)
	return Result{Key: key, Status: proposed, Committed: true}, nil
}

// ApplyAuthoritative records a status fetched directly from the remote
// system as the new authoritative value for key, dropping any pending
// overlay for it. This is the write path the polling engine feeds.
func (m *Manager) ApplyAuthoritative(key string, fetched status.Status) error {
	if err := fetched.Validate(); err != nil {
		return status.NewPermanentError("invalid fetched status", err).WithKey(key)
	}

	kl, err := m.lockKey(key)
	if err != nil {
		return err
	}
	defer kl.Unlock()

	m.settleMu.Lock()
	defer m.settleMu.Unlock()

	if m.isClosed() {
		return status.NewPermanentError("manager closed", nil).WithKey(key)
	}

	prior, hadPrior := m.store.Get(key)
	if hadPrior && prior.Status == fetched && !prior.Pending {
		return nil
	}

	m.clearOverlay(key)

	now := time.Now()
	rec := prior
	if !hadPrior {
		rec = status.EntityRecord{Key: key, CreatedAt: now}
	}
	rec.Status = fetched
	rec.Pending = false
	rec.UpdatedAt = now

	m.store.Set(key, rec)
	m.publishStatusChanged(key, prior.Status, fetched)
	return nil
}

// EnsureConsistency re-fetches the authoritative value for key and
// overwrites any optimistic overlay older than the staleness threshold.
// It is the reconciliation hook for returning from an external redirect,
// where local state may have drifted while the tab was inactive.
func (m *Manager) EnsureConsistency(ctx context.Context, key string) error {
	kl, err := m.lockKey(key)
	if err != nil {
		return err
	}
	defer kl.Unlock()

	fetchCtx, span := m.tracer.StartReconcileSpan(ctx, key)
	fetched, err := m.fetcher.FetchStatus(fetchCtx, key)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		m.metrics.RecordReconciliation("error")
		m.recordErrorClass(err)
		return status.NewTransientError("consistency re-fetch failed", err).WithKey(key).WithOperation("reconcile")
	}
	telemetry.RecordSuccess(span)
	span.End()

	m.settleMu.Lock()
	defer m.settleMu.Unlock()

	if m.isClosed() {
		return status.NewPermanentError("manager closed, late re-fetch discarded", nil).WithKey(key)
	}

	m.mu.Lock()
	overlay, hasOverlay := m.overlays[key]
	m.mu.Unlock()

	if hasOverlay && overlay.Age(time.Now()) < m.staleness {
		// A fresh overlay is still waiting on its confirmation; the
		// pending mutation, not the reconciliation, settles it.
		m.metrics.RecordReconciliation("clean")
		return nil
	}

	prior, hadPrior := m.store.Get(key)
	if hadPrior && !hasOverlay && prior.Status == fetched && !prior.Pending {
		m.metrics.RecordReconciliation("clean")
		if m.events != nil {
			_ = m.events.PublishReconciled(key, "clean")
		}
		return nil
	}

	m.clearOverlay(key)

	now := time.Now()
	rec := prior
	if !hadPrior {
		rec = status.EntityRecord{Key: key, CreatedAt: now}
	}
	rec.Status = fetched
	rec.Pending = false
	rec.UpdatedAt = now

	m.store.Set(key, rec)
	m.metrics.RecordReconciliation("overwritten")
	if m.events != nil {
		_ = m.events.PublishReconciled(key, "overwritten")
	}
	m.publishStatusChanged(key, prior.Status, fetched)
	m.logger.WithKey(key).Debugf("reconciled entity to %s", fetched)
	return nil
}

// OptimisticUpdates returns a consistent snapshot of all pending overlays.
func (m *Manager) OptimisticUpdates() []status.OptimisticOverlay {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]status.OptimisticOverlay, 0, len(m.overlays))
	for _, o := range m.overlays {
		out = append(out, o)
	}
	return out
}

// HasPendingOptimisticUpdates reports whether any overlay awaits confirmation.
func (m *Manager) HasPendingOptimisticUpdates() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.overlays) > 0
}

// Cleanup discards all pending overlays and marks the manager closed.
// It excludes any settle step in progress, so confirming requests
// already in flight resolve into nothing: once Cleanup returns, no
// further write or notification fires. Idempotent.
func (m *Manager) Cleanup() {
	m.settleMu.Lock()
	defer m.settleMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.overlays = make(map[string]status.OptimisticOverlay)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// lockKey acquires the per-key mutation lock, creating it on first use.
func (m *Manager) lockKey(key string) (*sync.Mutex, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, status.NewPermanentError("manager closed", nil).WithKey(key)
	}
	kl, ok := m.keyLocks[key]
	if !ok {
		kl = &sync.Mutex{}
		m.keyLocks[key] = kl
	}
	m.mu.Unlock()

	kl.Lock()

	// The manager may have closed while this call waited on an earlier
	// mutation for the same key.
	if m.isClosed() {
		kl.Unlock()
		return nil, status.NewPermanentError("manager closed", nil).WithKey(key)
	}
	return kl, nil
}

func (m *Manager) clearOverlay(key string) {
	m.mu.Lock()
	delete(m.overlays, key)
	m.mu.Unlock()
}

func (m *Manager) publishStatusChanged(key string, from, to status.Status) {
	if m.events == nil || from == to {
		return
	}
	_ = m.events.PublishStatusChanged(key, string(from), string(to))
}

func (m *Manager) recordErrorClass(err error) {
	switch {
	case status.IsTransient(err):
		m.metrics.RecordError(string(status.ErrorClassTransient))
	case status.IsConflict(err):
		m.metrics.RecordError(string(status.ErrorClassConflict))
	default:
		m.metrics.RecordError(string(status.ErrorClassPermanent))
	}
}
