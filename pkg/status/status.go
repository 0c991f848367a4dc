// Package status provides the shared status enumeration and entity types
// for the convertly reconciliation core. It defines the closed set of
// order/payment statuses, the classified error type used across the
// polling and consistency layers, and the records they exchange.
package status

import (
	"encoding/json"
	"fmt"
)

// Status represents the externally-visible state of a tracked operation
// (an order's processing pipeline or its payment).
type Status string

const (
	// StatusPending indicates the operation is waiting on the external system.
	StatusPending Status = "pending"

	// StatusProcessing indicates the operation is actively being processed.
	StatusProcessing Status = "processing"

	// StatusPaid indicates the payment settled but processing has not finished.
	StatusPaid Status = "paid"

	// StatusCompleted indicates the operation finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the operation failed on the remote system.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the operation was cancelled by the user.
	StatusCancelled Status = "cancelled"

	// StatusExpired indicates the remote system expired the operation.
	StatusExpired Status = "expired"

	// StatusTimeout indicates local watching gave up before a terminal
	// status was observed. It is distinct from a remote expiry.
	StatusTimeout Status = "timeout"
)

// IsTerminal returns true if no further polling is meaningful.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed ||
		s == StatusCancelled || s == StatusExpired || s == StatusTimeout
}

// IsSettled returns true if the payment side of the operation has settled.
func (s Status) IsSettled() bool {
	return s == StatusPaid || s == StatusCompleted
}

// IsActive returns true if the operation is still in flight remotely.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusPaid
}

// Validate checks if the status is a member of the closed set.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusCompleted,
		StatusFailed, StatusCancelled, StatusExpired, StatusTimeout:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// DefaultTerminalSet returns the terminal statuses a watcher recognizes
// unless the caller configures its own set.
func DefaultTerminalSet() map[Status]bool {
	return map[Status]bool{
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}
