// Package store provides the subscribable key-value store that holds
// shared entity records. The consistency manager is its sole writer;
// UI-facing consumers read snapshots and register observers for change
// notification.
package store

import "github.com/convertly/convertly/pkg/status"

// Observer is invoked with a snapshot of the record after every write
// to a key it watches. Delivery is synchronous and in write order, so
// every observer of a key sees identical values after any write.
type Observer func(key string, record status.EntityRecord)

// Store is the shared entity cache. Implementations must deliver
// exactly one notification per write to each current observer of the
// affected key, with no partially-written intermediate values visible.
type Store interface {
	// Get returns a snapshot of the record for key.
	Get(key string) (status.EntityRecord, bool)

	// Set writes the record and notifies observers of its key.
	Set(key string, record status.EntityRecord)

	// Delete removes the record. Observers of the key are notified
	// with a record holding only the key and a zero status, marking
	// the removal. Deleting an absent key is a quiet no-op.
	Delete(key string)

	// Keys returns a snapshot of all present keys.
	Keys() []string

	// Subscribe registers an observer for one key ("" watches every
	// key) and returns an unsubscribe function. Unsubscribe is
	// idempotent.
	Subscribe(key string, obs Observer) (unsubscribe func())
}
