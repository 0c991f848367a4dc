// Package stores provides the persistence layer for orders and payments,
// backed by SQLite with embedded migrations.
package stores
