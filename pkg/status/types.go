package status

import (
	"encoding/json"
	"time"
)

// EntityRecord is the authoritative, shared value for one tracked entity
// (an order or a payment). It is owned collectively by the consistency
// manager; everything else holds read-only snapshots.
type EntityRecord struct {
	// Key uniquely identifies the entity, e.g. "order-1".
	Key string `json:"key"`

	// Status is the current status from the closed enumeration.
	Status Status `json:"status"`

	// Pending is true while an optimistic overlay for this key awaits
	// confirmation from the remote system.
	Pending bool `json:"pending,omitempty"`

	// Payload carries entity-specific fields the core does not interpret.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is when the entity was first recorded locally.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entity was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Equal reports whether two records carry the same observable value.
// Timestamps are excluded; observers compare what they would render.
func (r EntityRecord) Equal(other EntityRecord) bool {
	return r.Key == other.Key &&
		r.Status == other.Status &&
		r.Pending == other.Pending &&
		string(r.Payload) == string(other.Payload)
}

// OptimisticOverlay is a pending, unconfirmed mutation recorded against
// an EntityRecord key. At most one overlay exists per key at a time.
type OptimisticOverlay struct {
	// Key is the entity key the overlay shadows.
	Key string `json:"key"`

	// Proposed is the locally applied, not-yet-confirmed value.
	Proposed EntityRecord `json:"proposed"`

	// Prior is the authoritative value before the optimistic apply,
	// kept for rollback.
	Prior EntityRecord `json:"prior"`

	// HadPrior is false when the key did not exist before the apply.
	HadPrior bool `json:"had_prior"`

	// CreatedAt is when the overlay was applied.
	CreatedAt time.Time `json:"created_at"`
}

// Age returns how long the overlay has been awaiting confirmation.
func (o OptimisticOverlay) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// PollTarget identifies one external operation being watched until it
// reaches a terminal state.
type PollTarget struct {
	// ID is the opaque identifier of the remote operation, e.g. a
	// payment id.
	ID string `json:"id"`

	// EntityKey is the key of the entity the operation belongs to,
	// e.g. the order an individual payment settles.
	EntityKey string `json:"entity_key"`

	// Terminal is the set of statuses after which polling stops. A nil
	// set means DefaultTerminalSet.
	Terminal map[Status]bool `json:"terminal,omitempty"`
}

// IsTerminalFor reports whether s ends polling for this target.
func (t PollTarget) IsTerminalFor(s Status) bool {
	if t.Terminal == nil {
		return DefaultTerminalSet()[s]
	}
	return t.Terminal[s]
}
