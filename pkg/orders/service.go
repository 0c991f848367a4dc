// Package orders ties the reconciliation core to the order domain: it
// creates orders and payments, starts watches on externally-settling
// payments, and routes every observed status through the consistency
// manager, which is the single write path into shared state.
package orders

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/convertly/convertly/pkg/consistency"
	"github.com/convertly/convertly/pkg/poller"
	"github.com/convertly/convertly/pkg/status"
	"github.com/convertly/convertly/pkg/store"
	"github.com/convertly/convertly/pkg/stores"
	"github.com/convertly/convertly/pkg/telemetry"
)

// ServiceConfig holds the collaborators for NewService.
type ServiceConfig struct {
	// DB is the persistence layer for orders and payments.
	DB stores.Store

	// Shared is the subscribable entity cache UI consumers read.
	Shared store.Store

	// Manager is the single writer into Shared.
	Manager *consistency.Manager

	// Registry owns the active payment watches.
	Registry *poller.Registry

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// CreateOrderInput is the request to create a conversion order.
type CreateOrderInput struct {
	CustomerEmail string
	DocumentName  string
	SourceFormat  string
	TargetFormat  string
	AmountCents   int64
	Currency      string
}

// Service is the order domain service.
type Service struct {
	db       stores.Store
	shared   store.Store
	manager  *consistency.Manager
	registry *poller.Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
}

// NewService creates the order service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.FromContext(context.Background())
	}
	return &Service{
		db:       cfg.DB,
		shared:   cfg.Shared,
		manager:  cfg.Manager,
		registry: cfg.Registry,
		logger:   cfg.Logger.NewComponentLogger("orders"),
		metrics:  cfg.Metrics,
		events:   cfg.Events,
	}
}

// CreateOrder persists a new pending order and seeds the shared cache.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*stores.Order, error) {
	order := &stores.Order{
		ID:            uuid.New().String(),
		CustomerEmail: input.CustomerEmail,
		DocumentName:  input.DocumentName,
		SourceFormat:  input.SourceFormat,
		TargetFormat:  input.TargetFormat,
		Status:        status.StatusPending,
		AmountCents:   input.AmountCents,
		Currency:      input.Currency,
	}

	if err := s.db.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	if err := s.manager.ApplyAuthoritative(order.ID, status.StatusPending); err != nil {
		return nil, err
	}

	s.logger.WithOrderID(order.ID).Info("order created")
	return order, nil
}

// StartCheckout creates a payment for the order and optimistically marks
// the order as processing while the confirming request settles. A failed
// confirmation rolls the order back to its prior status.
func (s *Service) StartCheckout(ctx context.Context, orderID string) (*stores.Payment, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	payment := &stores.Payment{
		ID:       uuid.New().String(),
		OrderID:  order.ID,
		Provider: "checkout",
		Status:   status.StatusPending,
	}
	if err := s.db.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	result, err := s.manager.UpdateEntityStatus(ctx, order.ID, status.StatusProcessing, consistency.UpdateOptions{
		Optimistic:      true,
		RollbackOnError: true,
	})
	if err != nil {
		s.logger.WithOrderID(order.ID).WithError(err).Warn("checkout mark failed")
		return nil, err
	}
	if result.Committed {
		if err := s.db.UpdateOrderStatus(ctx, order.ID, result.Status); err != nil {
			return nil, err
		}
	}

	s.logger.WithOrderID(order.ID).WithPaymentID(payment.ID).Info("checkout started")
	return payment, nil
}

// WatchPayment starts polling the provider for the payment's status and
// feeds every observed status through the consistency manager. Starting
// an already-watched payment is a no-op.
func (s *Service) WatchPayment(ctx context.Context, paymentID string) error {
	payment, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	target := status.PollTarget{
		ID:        payment.ID,
		EntityKey: payment.OrderID,
	}

	if s.registry.IsWatching(target.ID) {
		return nil
	}

	log := s.logger.WithPaymentID(payment.ID).WithOrderID(payment.OrderID)

	s.registry.Watch(target, poller.Config{
		OnStatus: func(observed status.Status) {
			s.applyObserved(target, observed)
		},
		OnError: func(err error) {
			s.metrics.RecordPollAttempt("error", 0)
			log.WithError(err).Warn("poll attempt failed")
		},
		OnGiveUp: func(final status.Status) {
			// Attempt cap exhausted with no terminal status: record the
			// local timeout outcome, distinct from a remote expiry.
			s.metrics.RecordPollGiveUp()
			if s.events != nil {
				_ = s.events.PublishWatchGaveUp(target.ID, 0)
			}
			s.applyObserved(target, final)
			s.metrics.SetActiveWatches(float64(s.registry.ActiveCount()))
		},
	})

	if s.events != nil {
		_ = s.events.PublishWatchStarted(target.ID, target.EntityKey)
	}
	s.metrics.SetActiveWatches(float64(s.registry.ActiveCount()))
	log.Info("watching payment")
	return nil
}

// applyObserved routes one observed status into shared and persisted state.
func (s *Service) applyObserved(target status.PollTarget, observed status.Status) {
	s.metrics.RecordPollAttempt("success", 0)

	if err := s.manager.ApplyAuthoritative(target.EntityKey, observed); err != nil {
		s.logger.WithKey(target.EntityKey).WithError(err).Warn("failed to apply observed status")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.db.UpdatePaymentStatus(ctx, target.ID, observed); err != nil {
		s.logger.WithPaymentID(target.ID).WithError(err).Warn("failed to persist payment status")
	}
	if err := s.db.UpdateOrderStatus(ctx, target.EntityKey, observed); err != nil {
		s.logger.WithOrderID(target.EntityKey).WithError(err).Warn("failed to persist order status")
	}
}

// CancelWatch stops watching a payment.
func (s *Service) CancelWatch(paymentID string) {
	s.registry.Cancel(paymentID)
	if s.events != nil {
		_ = s.events.PublishWatchStopped(paymentID, "cancelled")
	}
	s.metrics.SetActiveWatches(float64(s.registry.ActiveCount()))
}

// HandleProviderReturn reconciles an order after the customer returns
// from the external payment provider, where local state may have
// drifted while the tab was inactive.
func (s *Service) HandleProviderReturn(ctx context.Context, paymentID string) error {
	payment, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	if err := s.manager.EnsureConsistency(ctx, payment.OrderID); err != nil {
		return err
	}

	if rec, ok := s.shared.Get(payment.OrderID); ok {
		if err := s.db.UpdateOrderStatus(ctx, payment.OrderID, rec.Status); err != nil {
			return err
		}
		if err := s.db.UpdatePaymentStatus(ctx, payment.ID, rec.Status); err != nil {
			return err
		}
	}
	return nil
}

// OrderSnapshot returns the shared-cache view of an order, which may
// include a pending optimistic value.
func (s *Service) OrderSnapshot(orderID string) (status.EntityRecord, bool) {
	return s.shared.Get(orderID)
}

// Shutdown cancels all watches and closes the consistency manager.
func (s *Service) Shutdown() {
	s.registry.CancelAll()
	s.manager.Cleanup()
	s.metrics.SetActiveWatches(0)
}
