package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

func TestMonitor_StartsOnline(t *testing.T) {
	m := NewMonitor(Config{Logger: logging.NewNop()})
	assert.True(t, m.Online())
}

func TestMonitor_SetOnlineNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(Config{Logger: logging.NewNop()})

	var mu sync.Mutex
	var seen []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, online)
	})

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	assert.Equal(t, []bool{false, true}, seen)
}

func TestMonitor_Probe(t *testing.T) {
	var status int32 = http.StatusNoContent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer server.Close()

	m := NewMonitor(Config{ProbeURL: server.URL, Logger: logging.NewNop()})

	assert.True(t, m.Probe(context.Background()))

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.Online())

	atomic.StoreInt32(&status, http.StatusNotFound)
	assert.True(t, m.Probe(context.Background()))
}

func TestMonitor_ProbeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	m := NewMonitor(Config{ProbeURL: url, ProbeTimeout: 200 * time.Millisecond, Logger: logging.NewNop()})
	assert.False(t, m.Probe(context.Background()))
}

func TestMonitor_StartStop(t *testing.T) {
	var probes int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&probes, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m := NewMonitor(Config{ProbeURL: server.URL, ProbeInterval: 10 * time.Millisecond, Logger: logging.NewNop()})

	offline := make(chan struct{})
	var once sync.Once
	m.Subscribe(func(online bool) {
		if !online {
			once.Do(func() { close(offline) })
		}
	})

	m.Start(context.Background())
	select {
	case <-offline:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never reported offline")
	}
	m.Stop()

	count := atomic.LoadInt32(&probes)
	require.GreaterOrEqual(t, count, int32(1))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, atomic.LoadInt32(&probes))

	m.Stop()
}
