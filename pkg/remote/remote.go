// Package remote defines the request/response boundary to the backend
// that owns the true state of orders and payments. The core treats it
// as opaque: calls either yield a success envelope carrying a status,
// or a failure the caller classifies for retry.
package remote

import (
	"context"

	"github.com/convertly/convertly/pkg/status"
)

// Envelope is the wire shape every backend endpoint answers with.
// A transport-level error is treated identically to Success=false.
type Envelope struct {
	Success bool          `json:"success"`
	Data    status.Status `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// StatusFetcher fetches the authoritative status of one remote
// operation, identified by an opaque ID.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, operationID string) (status.Status, error)
}

// Confirmer asks the backend to confirm a proposed status for an entity
// key. Used by the consistency manager's confirming request.
type Confirmer interface {
	ConfirmStatus(ctx context.Context, key string, proposed status.Status) error
}
