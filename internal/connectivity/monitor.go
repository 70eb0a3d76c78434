// Package connectivity tracks whether the backends are reachable and tells
// subscribers when that changes.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
)

// Listener is called after every online/offline transition
type Listener func(online bool)

// Config holds probe configuration. An empty ProbeURL disables probing and
// leaves the state to SetOnline.
type Config struct {
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	HTTPClient    *http.Client
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

// DefaultConfig returns the default probe configuration
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  3 * time.Second,
	}
}

// Monitor holds the current connectivity state. It starts online.
type Monitor struct {
	config Config
	client *http.Client
	logger *logging.Logger

	mu        sync.RWMutex
	online    bool
	listeners []Listener

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor
func NewMonitor(config Config) *Monitor {
	defaults := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.ProbeTimeout}
	}

	m := &Monitor{
		config: config,
		client: client,
		logger: logging.OrGlobal(config.Logger),
		online: true,
	}
	config.Metrics.UpdateConnectivity(true)
	return m
}

// Online reports the last known state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers l for future transitions
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetOnline records a manual connectivity signal. Listeners run only when the
// state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.config.Metrics.UpdateConnectivity(online)
	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}

	for _, l := range listeners {
		l(online)
	}
}

// Probe checks the probe URL once and updates the state. Any response below
// 500 counts as reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.config.ProbeURL == "" {
		return m.Online()
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err == nil {
		resp, doErr := m.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			online = resp.StatusCode < http.StatusInternalServerError
		} else {
			err = doErr
		}
	}
	if err != nil {
		m.logger.Debug("Connectivity probe failed", "url", m.config.ProbeURL, "error", err)
	}

	m.SetOnline(online)
	return online
}

// Start probes on every interval until Stop or ctx is done. It is a no-op
// without a probe URL.
func (m *Monitor) Start(ctx context.Context) {
	if m.config.ProbeURL == "" {
		return
	}

	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()

		m.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
