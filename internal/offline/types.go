package offline

import (
	"context"
	"encoding/json"
	"time"
)

// ItemType classifies cached documents
type ItemType string

const (
	ItemConversation ItemType = "conversation"
	ItemMessage      ItemType = "message"
	ItemUser         ItemType = "user"
	ItemFile         ItemType = "file"
	ItemSettings     ItemType = "settings"
)

// Valid reports whether t is a known item type
func (t ItemType) Valid() bool {
	switch t {
	case ItemConversation, ItemMessage, ItemUser, ItemFile, ItemSettings:
		return true
	}
	return false
}

// SyncStatus tracks whether a cached item has reached the backend. An item
// whose write was dropped after its last replay attempt is SyncFailed.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// CacheItem is one cached document
type CacheItem struct {
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	Type       ItemType        `json:"type"`
	SyncStatus SyncStatus      `json:"syncStatus"`
	RetryCount int             `json:"retryCount"`
}

// Expired reports whether the item is past its expiry at now
func (i CacheItem) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// OperationKind is the write a queued operation performs
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is a known operation kind
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// SyncOperation is a write captured while it could not reach the backend
type SyncOperation struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"type"`
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data,omitempty"`
	EnqueuedAt time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	// CacheKey names the cached item holding the optimistic copy of the write.
	// Its sync status follows the operation.
	CacheKey   string          `json:"cacheKey,omitempty"`
}

// Replayer applies a queued operation to the backend
type Replayer interface {
	Apply(ctx context.Context, op SyncOperation) error
}

// ReplayerFunc adapts a function to Replayer
type ReplayerFunc func(ctx context.Context, op SyncOperation) error

// Apply calls f
func (f ReplayerFunc) Apply(ctx context.Context, op SyncOperation) error {
	return f(ctx, op)
}

// CacheStats summarizes the cache and the sync queue
type CacheStats struct {
	TotalItems   int              `json:"totalItems"`
	TotalSize    int              `json:"totalSize"`
	PendingSync  int              `json:"pendingSync"`
	ExpiredItems int              `json:"expiredItems"`
	ByType       map[ItemType]int `json:"byType"`
	Online       bool             `json:"online"`
	LastSync     *time.Time       `json:"lastSync,omitempty"`
}

// SyncResult reports what one drain did
type SyncResult struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Requeued  int  `json:"requeued"`
	Dropped   int  `json:"dropped"`
	// Deferred operations were left queued untouched because the drain was cancelled
	Deferred  int  `json:"deferred"`
	Skipped   bool `json:"skipped"`
}
