package stores

import (
	"context"
	"time"

	"github.com/convertly/convertly/pkg/status"
)

// Order represents a document-conversion order.
type Order struct {
	ID            string        `json:"id"`
	CustomerEmail string        `json:"customer_email"`
	DocumentName  string        `json:"document_name"`
	SourceFormat  string        `json:"source_format"`
	TargetFormat  string        `json:"target_format"`
	Status        status.Status `json:"status"`
	AmountCents   int64         `json:"amount_cents"`
	Currency      string        `json:"currency"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Payment represents one payment attempt against an order on the
// external provider.
type Payment struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"order_id"`
	Provider    string        `json:"provider"`
	ProviderRef string        `json:"provider_ref"` // provider-side identifier
	Status      status.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Order operations
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, s status.Status) error
	ListOrders(ctx context.Context, limit, offset int) ([]*Order, error)
	DeleteOrder(ctx context.Context, id string) error

	// Payment operations
	CreatePayment(ctx context.Context, payment *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, s status.Status) error
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]*Payment, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
