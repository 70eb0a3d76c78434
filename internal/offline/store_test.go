package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/chat-resilience/internal/storage"
	appErrors "github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

type recordingReplayer struct {
	mu    sync.Mutex
	calls []SyncOperation
	fail  func(op SyncOperation) error
}

func (r *recordingReplayer) Apply(ctx context.Context, op SyncOperation) error {
	r.mu.Lock()
	r.calls = append(r.calls, op)
	fail := r.fail
	r.mu.Unlock()

	if fail != nil {
		return fail(op)
	}
	return nil
}

func (r *recordingReplayer) documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for _, op := range r.calls {
		ids = append(ids, op.DocumentID)
	}
	return ids
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func openTestStore(t *testing.T, kv storage.KV, replayer Replayer, clock *fakeClock, mutate ...func(*Config)) *Store {
	t.Helper()

	config := DefaultConfig()
	config.Logger = logging.NewNop()
	if clock != nil {
		config.now = clock.now
	}
	for _, m := range mutate {
		m(&config)
	}

	s, err := Open(context.Background(), kv, replayer, config)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func queueOp(t *testing.T, s *Store, documentID string) SyncOperation {
	t.Helper()
	op, err := s.QueueSyncOperation(context.Background(), SyncOperation{
		Kind:       OperationUpdate,
		Collection: "messages",
		DocumentID: documentID,
		Data:       json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	return op
}

type message struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func TestOpen_RequiresDependencies(t *testing.T) {
	_, err := Open(context.Background(), nil, &recordingReplayer{}, DefaultConfig())
	assert.Error(t, err)

	_, err = Open(context.Background(), storage.NewMemoryStore(), nil, DefaultConfig())
	assert.Error(t, err)
}

func TestCache_RoundTrip(t *testing.T) {
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, nil)
	ctx := context.Background()

	require.NoError(t, s.SetCache(ctx, "messages/m1", message{ID: "m1", Text: "hello"}, ItemMessage))

	var got message
	found, err := s.GetCache(ctx, "messages/m1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, message{ID: "m1", Text: "hello"}, got)

	found, err = s.GetCache(ctx, "messages/missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_RejectsInvalidInput(t *testing.T) {
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, nil)
	ctx := context.Background()

	assert.Error(t, s.SetCache(ctx, "", "x", ItemMessage))
	assert.Error(t, s.SetCache(ctx, "k", "x", ItemType("draft")))
	assert.Error(t, s.SetCache(ctx, "k", func() {}, ItemMessage))
}

func TestCache_ExpiredItemNeverReturned(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, clock)
	ctx := context.Background()

	require.NoError(t, s.SetCache(ctx, "conversations/c1", map[string]string{"title": "Trip"}, ItemConversation))

	clock.advance(24*time.Hour - time.Second)
	_, ok := s.GetRaw(ctx, "conversations/c1")
	assert.True(t, ok)

	clock.advance(time.Second)
	assert.Equal(t, 1, s.Stats().ExpiredItems)

	_, ok = s.GetRaw(ctx, "conversations/c1")
	assert.False(t, ok)
	assert.Zero(t, s.Stats().TotalItems)
}

func TestCache_EvictsOldestWhenOverSize(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, clock, func(c *Config) {
		c.MaxSizeBytes = 2000
	})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.SetCache(ctx, fmt.Sprintf("messages/%02d", i), message{ID: fmt.Sprint(i), Text: "some message text"}, ItemMessage))
		clock.advance(time.Second)
	}

	_, ok := s.GetRaw(ctx, "messages/00")
	assert.False(t, ok, "oldest item should have been evicted")
	_, ok = s.GetRaw(ctx, "messages/19")
	assert.True(t, ok, "newest item should survive")
	assert.Less(t, s.Stats().TotalItems, 20)
}

func TestCache_RejectsItemLargerThanLimit(t *testing.T) {
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, nil, func(c *Config) {
		c.MaxSizeBytes = 400
	})
	ctx := context.Background()

	require.NoError(t, s.SetCache(ctx, "messages/small", message{ID: "small", Text: "hi"}, ItemMessage))

	err := s.SetCache(ctx, "messages/big", message{ID: "big", Text: strings.Repeat("x", 600)}, ItemMessage)
	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))

	_, ok := s.GetRaw(ctx, "messages/big")
	assert.False(t, ok)
	_, ok = s.GetRaw(ctx, "messages/small")
	assert.True(t, ok, "a rejected write must not evict anything")
}

func TestCache_NeverEvictsItemJustWritten(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, clock, func(c *Config) {
		c.MaxSizeBytes = 400
	})
	ctx := context.Background()
	text := strings.Repeat("x", 150)

	require.NoError(t, s.SetCache(ctx, "messages/a", message{ID: "a", Text: text}, ItemMessage))
	// written with an older timestamp than a
	clock.advance(-time.Hour)
	require.NoError(t, s.SetCache(ctx, "messages/b", message{ID: "b", Text: text}, ItemMessage))

	_, ok := s.GetRaw(ctx, "messages/b")
	assert.True(t, ok)
	_, ok = s.GetRaw(ctx, "messages/a")
	assert.False(t, ok)
	assert.LessOrEqual(t, int64(s.Stats().TotalSize), int64(400))
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := context.Background()

	first := openTestStore(t, kv, &recordingReplayer{}, nil)
	require.NoError(t, first.SetCache(ctx, "users/u1", map[string]string{"name": "Ada"}, ItemUser))
	first.SetOnline(false)
	queueOp(t, first, "m1")

	second := openTestStore(t, kv, &recordingReplayer{}, nil)
	var user map[string]string
	found, err := second.GetCache(ctx, "users/u1", &user)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Ada", user["name"])
	require.Len(t, second.PendingOperations(), 1)
	assert.Equal(t, "m1", second.PendingOperations()[0].DocumentID)
}

func TestCache_BadgerBackend(t *testing.T) {
	kv, err := storage.OpenBadger(storage.BadgerConfig{Logger: logging.NewNop()})
	require.NoError(t, err)
	defer kv.Close()

	s := openTestStore(t, kv, &recordingReplayer{}, nil)
	require.NoError(t, s.SetCache(context.Background(), "settings/theme", "dark", ItemSettings))

	var theme string
	found, err := s.GetCache(context.Background(), "settings/theme", &theme)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "dark", theme)
}

func TestLookupOffline(t *testing.T) {
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, nil)
	require.NoError(t, s.SetCache(context.Background(), "files/f1", map[string]int{"size": 3}, ItemFile))

	v, ok := s.LookupOffline(context.Background(), "files/f1")
	require.True(t, ok)
	assert.JSONEq(t, `{"size":3}`, string(v.(json.RawMessage)))

	_, ok = s.LookupOffline(context.Background(), "files/none")
	assert.False(t, ok)
}

func TestItemsByType(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, clock)
	ctx := context.Background()

	require.NoError(t, s.SetCache(ctx, "conversations/a", 1, ItemConversation))
	clock.advance(time.Minute)
	require.NoError(t, s.SetCache(ctx, "messages/x", 2, ItemMessage))
	require.NoError(t, s.SetCache(ctx, "conversations/b", 3, ItemConversation))

	items := s.ItemsByType(ItemConversation)
	require.Len(t, items, 2)
	assert.Equal(t, "conversations/a", items[0].Key)
	assert.Equal(t, "conversations/b", items[1].Key)
}

func TestQueueSyncOperation_Validation(t *testing.T) {
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, nil)

	_, err := s.QueueSyncOperation(context.Background(), SyncOperation{Kind: "upsert", Collection: "messages"})
	assert.Error(t, err)

	_, err = s.QueueSyncOperation(context.Background(), SyncOperation{Kind: OperationDelete})
	assert.Error(t, err)
}

func TestQueueSyncOperation_OfflineWaitsForReconnect(t *testing.T) {
	replayer := &recordingReplayer{}
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil)
	s.SetOnline(false)

	op := queueOp(t, s, "m1")
	assert.NotEmpty(t, op.ID)
	assert.False(t, op.EnqueuedAt.IsZero())

	result, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, replayer.documents())
	assert.Equal(t, 1, s.Stats().PendingSync)

	s.SetOnline(true)
	s.Stop()

	assert.Equal(t, []string{"m1"}, replayer.documents())
	stats := s.Stats()
	assert.Zero(t, stats.PendingSync)
	assert.NotNil(t, stats.LastSync)
}

func TestQueueSyncOperation_OnlineDrainsImmediately(t *testing.T) {
	replayer := &recordingReplayer{}
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil)

	queueOp(t, s, "m1")
	s.Stop()

	assert.Equal(t, []string{"m1"}, replayer.documents())
	assert.Empty(t, s.PendingOperations())
}

func TestSync_FIFOOrder(t *testing.T) {
	replayer := &recordingReplayer{}
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil)
	s.SetOnline(false)

	for _, id := range []string{"a", "b", "c", "d"} {
		queueOp(t, s, id)
	}
	s.SetOnline(true)
	s.Stop()

	assert.Equal(t, []string{"a", "b", "c", "d"}, replayer.documents())
}

func TestSync_DropsAfterRetryAttempts(t *testing.T) {
	errBackend := errors.New("permission denied")
	replayer := &recordingReplayer{fail: func(SyncOperation) error { return errBackend }}

	var dropped []SyncOperation
	var dropErr error
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil, func(c *Config) {
		c.OnSyncDropped = func(op SyncOperation, err error) {
			dropped = append(dropped, op)
			dropErr = err
		}
	})
	s.SetOnline(false)
	queueOp(t, s, "m1")
	s.SetOnline(true)
	s.Stop()

	for i := 0; i < 5; i++ {
		_, err := s.Sync(context.Background())
		require.NoError(t, err)
	}

	assert.Len(t, replayer.documents(), 3)
	require.Len(t, dropped, 1)
	assert.Equal(t, "m1", dropped[0].DocumentID)
	assert.Equal(t, 3, dropped[0].RetryCount)
	assert.ErrorIs(t, dropErr, errBackend)
	assert.Empty(t, s.PendingOperations())
}

func TestSync_CancelledContextKeepsRetryBudget(t *testing.T) {
	replayer := &recordingReplayer{fail: func(SyncOperation) error { return errors.New("unavailable") }}
	var dropped int
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil, func(c *Config) {
		c.OnSyncDropped = func(SyncOperation, error) { dropped++ }
	})
	s.SetOnline(false)
	queueOp(t, s, "m1")
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := s.Sync(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	}

	assert.Empty(t, replayer.documents())
	assert.Zero(t, dropped)
	pending := s.PendingOperations()
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)
}

func TestSync_CancelMidDrainDefersRest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replayer := &recordingReplayer{fail: func(op SyncOperation) error {
		if op.DocumentID == "a" {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil)
	s.SetOnline(false)
	queueOp(t, s, "a")
	queueOp(t, s, "b")
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()

	result, err := s.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, SyncResult{Deferred: 2}, result)
	assert.Equal(t, []string{"a"}, replayer.documents())

	pending := s.PendingOperations()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].DocumentID)
	assert.Zero(t, pending[0].RetryCount)
	assert.Equal(t, "b", pending[1].DocumentID)
}

func TestSync_CachedWriteFollowsOperation(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := context.Background()
	replayer := &recordingReplayer{fail: func(op SyncOperation) error {
		if op.DocumentID == "bad" {
			return errors.New("permission denied")
		}
		return nil
	}}
	s := openTestStore(t, kv, replayer, nil)
	s.SetOnline(false)

	for _, id := range []string{"good", "bad"} {
		key := "messages/" + id
		require.NoError(t, s.SetCache(ctx, key, message{ID: id}, ItemMessage))
		_, err := s.QueueSyncOperation(ctx, SyncOperation{
			Kind:       OperationUpdate,
			Collection: "messages",
			DocumentID: id,
			CacheKey:   key,
		})
		require.NoError(t, err)
	}
	for _, item := range s.ItemsByType(ItemMessage) {
		assert.Equal(t, SyncPending, item.SyncStatus)
	}

	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	for i := 0; i < 3; i++ {
		_, err := s.Sync(ctx)
		require.NoError(t, err)
	}
	require.Empty(t, s.PendingOperations())

	reopened := openTestStore(t, kv, &recordingReplayer{}, nil)
	statuses := make(map[string]SyncStatus)
	for _, item := range reopened.ItemsByType(ItemMessage) {
		statuses[item.Key] = item.SyncStatus
	}
	assert.Equal(t, map[string]SyncStatus{
		"messages/good": SyncSynced,
		"messages/bad":  SyncFailed,
	}, statuses)
}

func TestSync_FailureDoesNotShortCircuit(t *testing.T) {
	replayer := &recordingReplayer{fail: func(op SyncOperation) error {
		if op.DocumentID == "b" {
			return errors.New("unavailable")
		}
		return nil
	}}
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil)
	s.SetOnline(false)
	for _, id := range []string{"a", "b", "c"} {
		queueOp(t, s, id)
	}
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()

	result, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Attempted: 3, Succeeded: 2, Requeued: 1}, result)
	assert.Equal(t, []string{"a", "b", "c"}, replayer.documents())

	pending := s.PendingOperations()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].DocumentID)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestSync_OperationsQueuedDuringDrainGoLast(t *testing.T) {
	var s *Store
	replayer := &recordingReplayer{}
	replayer.fail = func(op SyncOperation) error {
		switch op.DocumentID {
		case "a":
			// a write arriving mid-drain
			s.mu.Lock()
			s.queue = append(s.queue, SyncOperation{ID: "late", Kind: OperationCreate, Collection: "messages", DocumentID: "late"})
			s.mu.Unlock()
			return errors.New("unavailable")
		}
		return nil
	}
	s = openTestStore(t, storage.NewMemoryStore(), replayer, nil)
	s.SetOnline(false)
	queueOp(t, s, "a")
	queueOp(t, s, "b")
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()

	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	pending := s.PendingOperations()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].DocumentID)
	assert.Equal(t, "late", pending[1].DocumentID)
}

func TestSync_OneDrainAtATime(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	replayer := &recordingReplayer{fail: func(SyncOperation) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil)
	s.SetOnline(false)
	queueOp(t, s, "m1")

	s.SetOnline(true)
	<-started

	result, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	close(release)
	s.Stop()
	assert.Len(t, replayer.documents(), 1)
}

func TestStartStop_PeriodicDrain(t *testing.T) {
	replayer := &recordingReplayer{fail: func(SyncOperation) error { return errors.New("timeout") }}
	s := openTestStore(t, storage.NewMemoryStore(), replayer, nil, func(c *Config) {
		c.SyncInterval = 10 * time.Millisecond
		c.RetryAttempts = 100
	})
	s.SetOnline(false)
	queueOp(t, s, "m1")
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		return len(replayer.documents()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, storage.NewMemoryStore(), &recordingReplayer{}, clock)
	ctx := context.Background()

	require.NoError(t, s.SetCache(ctx, "conversations/a", 1, ItemConversation))
	require.NoError(t, s.SetCache(ctx, "messages/a", 2, ItemMessage))
	clock.advance(time.Second)
	s.SetOnline(false)
	require.NoError(t, s.SetCache(ctx, "messages/b", 3, ItemMessage))
	queueOp(t, s, "b")

	stats := s.Stats()
	assert.Equal(t, 3, stats.TotalItems)
	assert.Equal(t, 2, stats.ByType[ItemMessage])
	assert.Equal(t, 1, stats.PendingSync)
	assert.False(t, stats.Online)
	assert.Positive(t, stats.TotalSize)
	assert.Nil(t, stats.LastSync)

	items := s.ItemsByType(ItemMessage)
	require.Len(t, items, 2)
	assert.Equal(t, SyncPending, items[1].SyncStatus)
}
