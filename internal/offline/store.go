// Package offline keeps documents readable and writes durable while the
// backends are unreachable. Cached documents expire after a TTL. Writes are
// queued in FIFO order and replayed once connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/chat-resilience/internal/storage"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
	"github.com/NikhilSetiya/chat-resilience/pkg/tracing"
)

// Storage keys
const (
	CacheKey     = "offline:cache"
	SyncQueueKey = "offline:sync_queue"
)

// evictFraction of the oldest items goes when the cache outgrows MaxSizeBytes
const evictFraction = 0.2

// Config holds offline store configuration
type Config struct {
	CacheTTL      time.Duration
	MaxSizeBytes  int64
	SyncInterval  time.Duration
	RetryAttempts int

	// OnSyncDropped is called for every operation dropped after its last attempt
	OnSyncDropped func(op SyncOperation, err error)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService

	now func() time.Time
}

// DefaultConfig returns the default offline store configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL:      24 * time.Hour,
		MaxSizeBytes:  50 * 1024 * 1024,
		SyncInterval:  30 * time.Second,
		RetryAttempts: 3,
	}
}

// Store is a TTL cache plus a durable sync queue. Every mutation is written
// through to the KV backend before it returns.
type Store struct {
	config   Config
	kv       storage.KV
	replayer Replayer
	logger   *logging.Logger

	mu       sync.Mutex
	cache    map[string]CacheItem
	queue    []SyncOperation
	size     int
	online   bool
	lastSync time.Time

	syncing atomic.Bool
	drains  sync.WaitGroup

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// Open loads any persisted cache and queue from kv
func Open(ctx context.Context, kv storage.KV, replayer Replayer, config Config) (*Store, error) {
	if kv == nil {
		return nil, errors.NewValidationError("offline store requires a key/value backend")
	}
	if replayer == nil {
		return nil, errors.NewValidationError("offline store requires a replayer")
	}

	defaults := DefaultConfig()
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.MaxSizeBytes <= 0 {
		config.MaxSizeBytes = defaults.MaxSizeBytes
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.now == nil {
		config.now = time.Now
	}

	s := &Store{
		config:   config,
		kv:       kv,
		replayer: replayer,
		logger:   logging.OrGlobal(config.Logger),
		cache:    make(map[string]CacheItem),
		online:   true,
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("Offline store opened",
		"cached_items", len(s.cache),
		"pending_sync", len(s.queue),
	)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	data, found, err := s.kv.Get(ctx, CacheKey)
	if err != nil {
		return err
	}
	if found {
		if err := json.Unmarshal(data, &s.cache); err != nil {
			s.logger.Warn("Discarding unreadable offline cache", "error", err)
			s.cache = make(map[string]CacheItem)
		}
		s.size = len(data)
	}

	data, found, err = s.kv.Get(ctx, SyncQueueKey)
	if err != nil {
		return err
	}
	if found {
		if err := json.Unmarshal(data, &s.queue); err != nil {
			return errors.NewInternalError("failed to decode offline sync queue").WithCause(err)
		}
	}
	return nil
}

// SetCache stores data under key for CacheTTL
func (s *Store) SetCache(ctx context.Context, key string, data interface{}, itemType ItemType) error {
	if key == "" {
		return errors.NewValidationError("cache key is required")
	}
	if !itemType.Valid() {
		return errors.NewValidationError("unknown cache item type: " + string(itemType))
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return errors.NewValidationError("cache value is not serializable").WithCause(err)
	}

	now := s.config.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	status := SyncSynced
	if !s.online {
		status = SyncPending
	}
	return s.putLocked(ctx, CacheItem{
		Key:        key,
		Data:       raw,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.config.CacheTTL),
		Type:       itemType,
		SyncStatus: status,
	})
}

// putLocked stores item, evicting older items to make room. An item that
// cannot fit even in an empty cache is rejected.
func (s *Store) putLocked(ctx context.Context, item CacheItem) error {
	alone, err := json.Marshal(map[string]CacheItem{item.Key: item})
	if err != nil {
		return errors.NewInternalError("failed to encode offline cache item").WithCause(err)
	}
	if int64(len(alone)) > s.config.MaxSizeBytes {
		return errors.NewValidationError(fmt.Sprintf("cache item %s is %d bytes, over the %d byte offline cache limit",
			item.Key, len(alone), s.config.MaxSizeBytes))
	}

	s.cache[item.Key] = item
	return s.saveCacheLocked(ctx, item.Key)
}

// GetCache decodes the item under key into dest. Expired items are removed
// and reported as missing.
func (s *Store) GetCache(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok := s.GetRaw(ctx, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, errors.NewInternalError("failed to decode cached item").WithCause(err)
	}
	return true, nil
}

// GetRaw returns the encoded item under key
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.cache[key]
	if !ok {
		s.config.Metrics.RecordCacheLookup("offline", false)
		return nil, false
	}
	if item.Expired(s.config.now()) {
		delete(s.cache, key)
		if err := s.saveCacheLocked(ctx, ""); err != nil {
			s.logger.Warn("Failed to persist offline cache eviction", "key", key, "error", err)
		}
		s.config.Metrics.RecordCacheLookup("offline", false)
		return nil, false
	}

	s.config.Metrics.RecordCacheLookup("offline", true)
	return item.Data, true
}

// LookupOffline serves a fallback executor's last resort read
func (s *Store) LookupOffline(ctx context.Context, key string) (interface{}, bool) {
	raw, ok := s.GetRaw(ctx, key)
	if !ok {
		return nil, false
	}
	return raw, true
}

// RemoveCache deletes key
func (s *Store) RemoveCache(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[key]; !ok {
		return nil
	}
	delete(s.cache, key)
	return s.saveCacheLocked(ctx, "")
}

// ClearCache deletes every cached item. The sync queue is untouched.
func (s *Store) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string]CacheItem)
	s.size = 0
	return s.kv.Delete(ctx, CacheKey)
}

// ItemsByType returns live items of the given type, oldest first
func (s *Store) ItemsByType(itemType ItemType) []CacheItem {
	now := s.config.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var items []CacheItem
	for _, item := range s.cache {
		if item.Type == itemType && !item.Expired(now) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// QueueSyncOperation appends op to the durable queue and returns it with its
// id and timestamp filled in. When online a drain starts right away.
func (s *Store) QueueSyncOperation(ctx context.Context, op SyncOperation) (SyncOperation, error) {
	if !op.Kind.Valid() {
		return op, errors.NewValidationError("unknown sync operation type: " + string(op.Kind))
	}
	if op.Collection == "" {
		return op, errors.NewValidationError("sync operation collection is required")
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.config.now()
	}
	op.RetryCount = 0

	s.mu.Lock()
	s.queue = append(s.queue, op)
	err := s.saveQueueLocked(ctx)
	online := s.online
	s.mu.Unlock()
	if err != nil {
		return op, err
	}

	s.logger.LogSyncEvent(ctx, "sync_queued", op.ID, op.Collection, op.DocumentID, logging.Fields{
		"kind": op.Kind,
	})

	if online {
		s.triggerSync(context.WithoutCancel(ctx))
	}
	return op, nil
}

// PendingOperations returns a copy of the queue in replay order
func (s *Store) PendingOperations() []SyncOperation {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]SyncOperation, len(s.queue))
	copy(ops, s.queue)
	return ops
}

// Online reports the store's view of connectivity
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline records a connectivity change. Coming back online starts a drain;
// going offline only flips the flag.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed && online {
		s.logger.Info("Back online, draining sync queue")
		s.triggerSync(context.Background())
	}
}

func (s *Store) triggerSync(ctx context.Context) {
	s.drains.Add(1)
	go func() {
		defer s.drains.Done()
		if _, err := s.Sync(ctx); err != nil {
			s.logger.Warn("Offline sync failed", "error", err)
		}
	}()
}

// Sync drains the queue once. Operations are replayed in FIFO order. A failed
// operation goes back on the queue until it has been attempted RetryAttempts
// times, then it is dropped. Only one drain runs at a time; a concurrent call
// returns a skipped result.
//
// Cancelling ctx stops the drain. The interrupted operation and everything
// after it stay queued with their retry counts unchanged.
func (s *Store) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if !s.syncing.CompareAndSwap(false, true) {
		result.Skipped = true
		return result, nil
	}
	defer s.syncing.Store(false)

	s.mu.Lock()
	if !s.online || len(s.queue) == 0 {
		s.mu.Unlock()
		result.Skipped = true
		return result, nil
	}
	batch := make([]SyncOperation, len(s.queue))
	copy(batch, s.queue)
	s.mu.Unlock()

	ctx, span := s.config.Tracing.StartSyncSpan(ctx, len(batch))
	defer span.End()

	var (
		requeued []SyncOperation
		settled  = make(map[string]SyncStatus)
	)
	for i, op := range batch {
		if ctx.Err() != nil {
			requeued = append(requeued, batch[i:]...)
			result.Deferred += len(batch) - i
			break
		}
		result.Attempted++

		err := s.replayer.Apply(ctx, op)
		if err == nil {
			result.Succeeded++
			settled[op.CacheKey] = SyncSynced
			s.config.Metrics.RecordSyncOperation(string(op.Kind), "synced")
			s.logger.LogSyncEvent(ctx, "sync_applied", op.ID, op.Collection, op.DocumentID, nil)
			continue
		}

		if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
			requeued = append(requeued, op)
			result.Attempted--
			result.Deferred++
			continue
		}

		op.RetryCount++
		if op.RetryCount >= s.config.RetryAttempts {
			result.Dropped++
			settled[op.CacheKey] = SyncFailed
			s.drop(ctx, op, err)
			continue
		}

		result.Requeued++
		requeued = append(requeued, op)
		s.config.Metrics.RecordSyncOperation(string(op.Kind), "requeued")
		s.logger.LogSyncEvent(ctx, "sync_requeued", op.ID, op.Collection, op.DocumentID, logging.Fields{
			"retry_count": op.RetryCount,
			"error":       err.Error(),
		})
	}
	delete(settled, "")

	// the drain's outcome is persisted even when ctx was cancelled
	saveCtx := context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Anything queued while the batch ran goes after the requeued operations
	s.queue = append(requeued, s.queue[len(batch):]...)
	s.lastSync = s.config.now()

	changed := s.settleLocked(settled)
	if len(s.queue) == 0 && s.markSyncedLocked() {
		changed = true
	}
	if changed {
		if err := s.saveCacheLocked(saveCtx, ""); err != nil {
			s.logger.Warn("Failed to persist offline cache sync status", "error", err)
		}
	}
	if err := s.saveQueueLocked(saveCtx); err != nil {
		s.config.Tracing.RecordError(span, err)
		return result, err
	}
	if result.Deferred > 0 {
		return result, ctx.Err()
	}
	return result, nil
}

func (s *Store) drop(ctx context.Context, op SyncOperation, err error) {
	s.config.Metrics.RecordSyncOperation(string(op.Kind), "dropped")
	s.logger.WithContext(ctx).WithFields(logging.Fields{
		"event":        "sync_dropped",
		"operation_id": op.ID,
		"collection":   op.Collection,
		"document_id":  op.DocumentID,
		"retry_count":  op.RetryCount,
	}).WithError(err).Error("Dropping sync operation after final attempt")

	if s.config.OnSyncDropped != nil {
		s.config.OnSyncDropped(op, err)
	}
}

// settleLocked applies the outcome of replayed operations to the cached
// items they wrote. Items with an operation still queued stay pending.
func (s *Store) settleLocked(settled map[string]SyncStatus) bool {
	for _, op := range s.queue {
		delete(settled, op.CacheKey)
	}

	changed := false
	for key, status := range settled {
		item, ok := s.cache[key]
		if !ok || item.SyncStatus == status {
			continue
		}
		item.SyncStatus = status
		if status == SyncFailed {
			item.RetryCount = s.config.RetryAttempts
		}
		s.cache[key] = item
		changed = true
	}
	return changed
}

// markSyncedLocked marks every pending item synced once nothing is queued
func (s *Store) markSyncedLocked() bool {
	changed := false
	for key, item := range s.cache {
		if item.SyncStatus == SyncPending {
			item.SyncStatus = SyncSynced
			s.cache[key] = item
			changed = true
		}
	}
	return changed
}

// Stats summarizes the cache and queue
func (s *Store) Stats() CacheStats {
	now := s.config.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := CacheStats{
		TotalItems:  len(s.cache),
		TotalSize:   s.size,
		PendingSync: len(s.queue),
		ByType:      make(map[ItemType]int),
		Online:      s.online,
	}
	for _, item := range s.cache {
		stats.ByType[item.Type]++
		if item.Expired(now) {
			stats.ExpiredItems++
		}
	}
	if !s.lastSync.IsZero() {
		last := s.lastSync
		stats.LastSync = &last
	}
	return stats
}

// CollectMetrics publishes cache and queue gauges
func (s *Store) CollectMetrics(m *metrics.Metrics) {
	stats := s.Stats()
	m.UpdateOfflineStats(stats.TotalItems, stats.PendingSync)
}

// Start drains the queue every SyncInterval while online until Stop or ctx
// is done
func (s *Store) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.config.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.Sync(ctx); err != nil {
					s.logger.Warn("Periodic offline sync failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the periodic drain and waits for in-flight drains to finish
func (s *Store) Stop() {
	s.loopMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.loopMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.drains.Wait()
}

// saveCacheLocked persists the cache. When keep is set the cache was just
// written to and is trimmed to MaxSizeBytes, oldest first, never evicting keep.
func (s *Store) saveCacheLocked(ctx context.Context, keep string) error {
	data, err := json.Marshal(s.cache)
	if err != nil {
		return errors.NewInternalError("failed to encode offline cache").WithCause(err)
	}

	for keep != "" && int64(len(data)) > s.config.MaxSizeBytes {
		if s.evictOldestLocked(keep) == 0 {
			break
		}
		if data, err = json.Marshal(s.cache); err != nil {
			return errors.NewInternalError("failed to encode offline cache").WithCause(err)
		}
	}

	ctx, span := s.config.Tracing.StartCacheSpan(ctx, "offline", "set", CacheKey)
	defer span.End()

	if err := s.kv.Set(ctx, CacheKey, data); err != nil {
		s.config.Tracing.RecordError(span, err)
		return err
	}
	s.size = len(data)
	return nil
}

func (s *Store) evictOldestLocked(keep string) int {
	items := make([]CacheItem, 0, len(s.cache))
	for _, item := range s.cache {
		if item.Key != keep {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return 0
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	n := int(float64(len(items)) * evictFraction)
	if n == 0 {
		n = 1
	}
	for _, item := range items[:n] {
		delete(s.cache, item.Key)
	}
	s.logger.Warn("Offline cache over size limit, evicted oldest items",
		"evicted", n,
		"remaining", len(s.cache),
		"max_size_bytes", s.config.MaxSizeBytes,
	)
	return n
}

func (s *Store) saveQueueLocked(ctx context.Context) error {
	data, err := json.Marshal(s.queue)
	if err != nil {
		return errors.NewInternalError("failed to encode offline sync queue").WithCause(err)
	}

	ctx, span := s.config.Tracing.StartCacheSpan(ctx, "offline", "set", SyncQueueKey)
	defer span.End()

	if err := s.kv.Set(ctx, SyncQueueKey, data); err != nil {
		s.config.Tracing.RecordError(span, err)
		return err
	}
	return nil
}
