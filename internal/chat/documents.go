// Package chat holds the feature-level services the chat client calls. Every
// remote call goes through the resilience facade.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NikhilSetiya/chat-resilience/internal/docstore"
	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/internal/facade"
	"github.com/NikhilSetiya/chat-resilience/internal/offline"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
)

// DocumentStore is the remote document store
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (docstore.Document, error)
	Put(ctx context.Context, collection, id string, data json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
}

// WriteResult reports whether a write reached the store or was queued
type WriteResult struct {
	Queued      bool   `json:"queued"`
	OperationID string `json:"operationId,omitempty"`
}

// Documents reads and writes chat documents. Reads are cached for offline
// use; writes made while offline are queued for replay.
type Documents struct {
	facade  *facade.Facade
	store   DocumentStore
	offline *offline.Store
}

// NewDocuments creates the document service
func NewDocuments(f *facade.Facade, store DocumentStore, offlineStore *offline.Store) *Documents {
	return &Documents{facade: f, store: store, offline: offlineStore}
}

// CacheKey is the cache and offline key of a document
func CacheKey(collection, id string) string {
	return fmt.Sprintf("doc:%s/%s", collection, id)
}

// Get returns a document, from the live store when possible and from the
// offline cache otherwise
func (d *Documents) Get(ctx context.Context, collection, id string, ectx errorlog.Context) (docstore.Document, error) {
	key := CacheKey(collection, id)
	return facade.Execute(ctx, d.facade, func(ctx context.Context) (docstore.Document, error) {
		doc, err := d.store.Get(ctx, collection, id)
		if err == nil && d.offline != nil {
			// only live reads refresh the offline copy; a failed cache write
			// still returns the document
			_ = d.offline.SetCache(ctx, key, doc, ItemTypeFor(collection))
		}
		return doc, err
	}, ectx, facade.Options{Type: facade.TypeFirebase, CacheKey: key, Passthrough: errors.IsNotFound})
}

// Put writes a document. Offline, the write is queued and replayed on
// reconnect.
func (d *Documents) Put(ctx context.Context, kind offline.OperationKind, collection, id string, data json.RawMessage, ectx errorlog.Context) (WriteResult, error) {
	if kind != offline.OperationCreate && kind != offline.OperationUpdate {
		return WriteResult{}, errors.NewValidationError(fmt.Sprintf("unsupported write: %s", kind))
	}
	if d.offline != nil && !d.offline.Online() {
		return d.queue(ctx, offline.SyncOperation{Kind: kind, Collection: collection, DocumentID: id, Data: data})
	}

	_, err := facade.Execute(ctx, d.facade, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.store.Put(ctx, collection, id, data)
	}, ectx, facade.Options{Type: facade.TypeFirebase})
	if err != nil {
		return WriteResult{}, err
	}

	d.invalidate(collection, id)
	return WriteResult{}, nil
}

// Delete removes a document, queueing the delete while offline
func (d *Documents) Delete(ctx context.Context, collection, id string, ectx errorlog.Context) (WriteResult, error) {
	if d.offline != nil && !d.offline.Online() {
		return d.queue(ctx, offline.SyncOperation{Kind: offline.OperationDelete, Collection: collection, DocumentID: id})
	}

	_, err := facade.Execute(ctx, d.facade, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.store.Delete(ctx, collection, id)
	}, ectx, facade.Options{Type: facade.TypeFirebase, Passthrough: errors.IsNotFound})
	if err != nil {
		return WriteResult{}, err
	}

	d.invalidate(collection, id)
	return WriteResult{}, nil
}

// queue records an offline write. Creates and updates also leave a pending
// copy in the offline cache so reads see the write before it syncs.
func (d *Documents) queue(ctx context.Context, op offline.SyncOperation) (WriteResult, error) {
	key := CacheKey(op.Collection, op.DocumentID)
	if op.Kind == offline.OperationDelete {
		_ = d.offline.RemoveCache(ctx, key)
	} else {
		now := time.Now().UTC()
		doc := docstore.Document{Collection: op.Collection, ID: op.DocumentID, Data: op.Data, CreatedAt: now, UpdatedAt: now}
		if err := d.offline.SetCache(ctx, key, doc, ItemTypeFor(op.Collection)); err == nil {
			op.CacheKey = key
		}
	}

	queued, err := d.offline.QueueSyncOperation(ctx, op)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Queued: true, OperationID: queued.ID}, nil
}

func (d *Documents) invalidate(collection, id string) {
	key := CacheKey(collection, id)
	d.facade.Executor(facade.TypeFirebase).InvalidateCache(key)
	if d.offline != nil {
		_ = d.offline.RemoveCache(context.Background(), key)
	}
}

// ItemTypeFor maps a collection onto its offline item type
func ItemTypeFor(collection string) offline.ItemType {
	switch collection {
	case "conversations":
		return offline.ItemConversation
	case "users":
		return offline.ItemUser
	case "files":
		return offline.ItemFile
	case "settings":
		return offline.ItemSettings
	default:
		return offline.ItemMessage
	}
}
