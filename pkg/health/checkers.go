package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/NikhilSetiya/chat-resilience/internal/offline"
	"github.com/NikhilSetiya/chat-resilience/internal/storage"
	"github.com/NikhilSetiya/chat-resilience/pkg/resilience"
)

// Default thresholds
const (
	DefaultMaxPendingSync = 100
	DefaultMaxSyncAge     = 15 * time.Minute
	poolPressure          = 0.8
)

func begin(name string) *Check {
	return &Check{Name: name, Timestamp: time.Now()}
}

func (c *Check) finish(status Status, message string) *Check {
	c.Status = status
	c.Message = message
	c.Duration = time.Since(c.Timestamp)
	return c
}

func (c *Check) fail(status Status, message string, err error) *Check {
	if err != nil {
		c.Error = err.Error()
	}
	return c.finish(status, message)
}

// Database is the part of the document store the checker needs
type Database interface {
	Health(ctx context.Context) error
	Stats() sql.DBStats
}

// DocumentStoreChecker checks the remote document store. An unreachable
// store only degrades the service since reads fall back to the offline cache
// and writes are queued.
type DocumentStoreChecker struct {
	db   Database
	name string
}

// NewDocumentStoreChecker creates a document store checker
func NewDocumentStoreChecker(db Database, name string) *DocumentStoreChecker {
	return &DocumentStoreChecker{db: db, name: name}
}

// Check pings the store and inspects its connection pool
func (dc *DocumentStoreChecker) Check(ctx context.Context) *Check {
	check := begin(dc.name)
	if dc.db == nil {
		return check.fail(StatusUnhealthy, "document store not configured", nil)
	}
	if err := dc.db.Health(ctx); err != nil {
		return check.fail(StatusDegraded, "document store unreachable, serving offline copies", err)
	}

	stats := dc.db.Stats()
	check.Metadata = map[string]string{
		"open_connections": strconv.Itoa(stats.OpenConnections),
		"in_use":           strconv.Itoa(stats.InUse),
		"max_connections":  strconv.Itoa(stats.MaxOpenConnections),
	}
	if stats.MaxOpenConnections > 1 && float64(stats.InUse) > float64(stats.MaxOpenConnections)*poolPressure {
		return check.finish(StatusDegraded, "document store pool nearly exhausted, expect retries")
	}
	return check.finish(StatusHealthy, "document store reachable")
}

// StorageChecker checks the Redis backend of the offline cache and sync
// queue. Without it offline writes cannot be made durable, so a failure is
// unhealthy.
type StorageChecker struct {
	redis *storage.RedisClient
	name  string
}

// NewStorageChecker creates an offline storage checker
func NewStorageChecker(redis *storage.RedisClient, name string) *StorageChecker {
	return &StorageChecker{redis: redis, name: name}
}

// Check pings Redis
func (sc *StorageChecker) Check(ctx context.Context) *Check {
	check := begin(sc.name)
	if sc.redis == nil {
		return check.fail(StatusUnhealthy, "offline storage not configured", nil)
	}
	if err := sc.redis.Health(ctx); err != nil {
		return check.fail(StatusUnhealthy, "offline storage unreachable, writes cannot be queued", err)
	}

	stats := sc.redis.Client().PoolStats()
	check.Metadata = map[string]string{
		"total_connections": fmt.Sprint(stats.TotalConns),
		"idle_connections":  fmt.Sprint(stats.IdleConns),
		"timeouts":          fmt.Sprint(stats.Timeouts),
	}
	return check.finish(StatusHealthy, "offline storage reachable")
}

// OfflineSource reports the offline store's cache and queue
type OfflineSource interface {
	Stats() offline.CacheStats
}

// OfflineChecker reports offline mode and sync backlog as degradation
type OfflineChecker struct {
	source     OfflineSource
	name       string
	maxPending int
	maxSyncAge time.Duration
	now        func() time.Time
}

// NewOfflineChecker creates an offline checker. A zero maxPending or
// maxSyncAge uses the default.
func NewOfflineChecker(source OfflineSource, name string, maxPending int, maxSyncAge time.Duration) *OfflineChecker {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingSync
	}
	if maxSyncAge <= 0 {
		maxSyncAge = DefaultMaxSyncAge
	}
	return &OfflineChecker{
		source:     source,
		name:       name,
		maxPending: maxPending,
		maxSyncAge: maxSyncAge,
		now:        time.Now,
	}
}

// Check is degraded while offline, while the sync queue is over maxPending,
// or while queued writes have waited longer than maxSyncAge since the last
// drain
func (oc *OfflineChecker) Check(ctx context.Context) *Check {
	check := begin(oc.name)
	stats := oc.source.Stats()
	check.Metadata = map[string]string{
		"online":        strconv.FormatBool(stats.Online),
		"cached_items":  strconv.Itoa(stats.TotalItems),
		"expired_items": strconv.Itoa(stats.ExpiredItems),
		"pending_sync":  strconv.Itoa(stats.PendingSync),
	}
	if stats.LastSync != nil {
		check.Metadata["last_sync"] = stats.LastSync.Format(time.RFC3339)
	}

	switch {
	case !stats.Online:
		return check.finish(StatusDegraded, fmt.Sprintf("offline, %d writes queued", stats.PendingSync))
	case stats.PendingSync > oc.maxPending:
		return check.finish(StatusDegraded, fmt.Sprintf("sync backlog of %d writes", stats.PendingSync))
	case stats.PendingSync > 0 && stats.LastSync != nil && oc.now().Sub(*stats.LastSync) > oc.maxSyncAge:
		return check.finish(StatusDegraded, fmt.Sprintf("%d writes waiting, last drain %s ago",
			stats.PendingSync, oc.now().Sub(*stats.LastSync).Round(time.Second)))
	}
	return check.finish(StatusHealthy, fmt.Sprintf("online, %d cached items", stats.TotalItems))
}

// BreakerSource exposes a circuit breaker state
type BreakerSource interface {
	State() resilience.CircuitState
}

// BreakerChecker reports a tripped circuit breaker as degradation
type BreakerChecker struct {
	source BreakerSource
	name   string
}

// NewBreakerChecker creates a circuit breaker checker
func NewBreakerChecker(source BreakerSource, name string) *BreakerChecker {
	return &BreakerChecker{source: source, name: name}
}

// Check maps the breaker state onto a status
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	check := begin(bc.name)
	state := bc.source.State()
	check.Metadata = map[string]string{"state": state.String()}

	switch state {
	case resilience.StateOpen:
		return check.finish(StatusDegraded, "circuit open, serving fallback responses")
	case resilience.StateHalfOpen:
		return check.finish(StatusDegraded, "circuit half open, probing upstream")
	default:
		return check.finish(StatusHealthy, "circuit closed")
	}
}

// UpstreamChecker probes the URL the connectivity monitor uses. Losing the
// upstream puts clients in offline mode, which is degraded service.
type UpstreamChecker struct {
	url    string
	name   string
	client *http.Client
}

// NewUpstreamChecker creates an upstream checker
func NewUpstreamChecker(url, name string, timeout time.Duration) *UpstreamChecker {
	return &UpstreamChecker{
		url:    url,
		name:   name,
		client: &http.Client{Timeout: timeout},
	}
}

// Check issues one GET against the upstream
func (uc *UpstreamChecker) Check(ctx context.Context) *Check {
	check := begin(uc.name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.url, nil)
	if err != nil {
		return check.fail(StatusUnhealthy, "invalid upstream url", err)
	}
	resp, err := uc.client.Do(req)
	if err != nil {
		return check.fail(StatusDegraded, "upstream unreachable", err)
	}
	defer resp.Body.Close()

	check.Metadata = map[string]string{"status_code": strconv.Itoa(resp.StatusCode)}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return check.finish(StatusHealthy, "upstream reachable")
	}
	return check.finish(StatusDegraded, fmt.Sprintf("upstream returned status %d", resp.StatusCode))
}
