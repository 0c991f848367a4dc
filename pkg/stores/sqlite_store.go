package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/convertly/convertly/pkg/status"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateOrder inserts a new order.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order *Order) error {
	if order.ID == "" {
		return fmt.Errorf("order ID is required")
	}
	if err := order.Status.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer_email, document_name, source_format, target_format, status, amount_cents, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.CustomerEmail, order.DocumentName, order.SourceFormat,
		order.TargetFormat, string(order.Status), order.AmountCents, order.Currency,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_email, document_name, source_format, target_format, status, amount_cents, currency, created_at, updated_at
		FROM orders WHERE id = ?`, id)

	var o Order
	var st string
	err := row.Scan(&o.ID, &o.CustomerEmail, &o.DocumentName, &o.SourceFormat,
		&o.TargetFormat, &st, &o.AmountCents, &o.Currency, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.Status = status.Status(st)
	return &o, nil
}

// UpdateOrderStatus updates the status of an order.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id string, st status.Status) error {
	if err := st.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(st), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListOrders returns orders ordered by creation time, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, limit, offset int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_email, document_name, source_format, target_format, status, amount_cents, currency, created_at, updated_at
		FROM orders ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		var st string
		if err := rows.Scan(&o.ID, &o.CustomerEmail, &o.DocumentName, &o.SourceFormat,
			&o.TargetFormat, &st, &o.AmountCents, &o.Currency, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Status = status.Status(st)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// DeleteOrder removes an order and its payments.
func (s *SQLiteStore) DeleteOrder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreatePayment inserts a new payment.
func (s *SQLiteStore) CreatePayment(ctx context.Context, payment *Payment) error {
	if payment.ID == "" {
		return fmt.Errorf("payment ID is required")
	}
	if payment.OrderID == "" {
		return fmt.Errorf("payment order ID is required")
	}
	if err := payment.Status.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, provider, provider_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.OrderID, payment.Provider, payment.ProviderRef,
		string(payment.Status), payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, provider, provider_ref, status, created_at, updated_at
		FROM payments WHERE id = ?`, id)

	var p Payment
	var st string
	err := row.Scan(&p.ID, &p.OrderID, &p.Provider, &p.ProviderRef, &st, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	p.Status = status.Status(st)
	return &p, nil
}

// UpdatePaymentStatus updates the status of a payment.
func (s *SQLiteStore) UpdatePaymentStatus(ctx context.Context, id string, st status.Status) error {
	if err := st.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
		string(st), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListPaymentsByOrder returns all payments for an order, oldest first.
func (s *SQLiteStore) ListPaymentsByOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, provider, provider_ref, status, created_at, updated_at
		FROM payments WHERE order_id = ? ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		var p Payment
		var st string
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Provider, &p.ProviderRef, &st, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Status = status.Status(st)
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
