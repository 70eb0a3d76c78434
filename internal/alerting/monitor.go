package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

// StatsSource supplies the error stats the monitor evaluates
type StatsSource interface {
	Stats() errorlog.Stats
}

// MonitorConfig holds the monitor intervals
type MonitorConfig struct {
	CheckInterval   time.Duration
	CleanupInterval time.Duration
	Logger          *logging.Logger
}

// DefaultMonitorConfig returns the default monitor intervals
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:   time.Minute,
		CleanupInterval: 24 * time.Hour,
	}
}

// Monitor periodically checks the error stats for alerts and cleans up old
// alerts
type Monitor struct {
	engine *Engine
	source StatsSource
	config MonitorConfig
	logger *logging.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor
func NewMonitor(engine *Engine, source StatsSource, config MonitorConfig) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	return &Monitor{
		engine: engine,
		source: source,
		config: config,
		logger: logging.OrGlobal(config.Logger),
	}
}

// Check runs one evaluation
func (m *Monitor) Check(ctx context.Context) []Alert {
	return m.engine.CheckForAlerts(ctx, m.source.Stats())
}

// Start runs the check and cleanup loops until Stop or ctx is done
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done

	go func() {
		defer close(done)

		check := time.NewTicker(m.config.CheckInterval)
		defer check.Stop()
		cleanup := time.NewTicker(m.config.CleanupInterval)
		defer cleanup.Stop()

		m.logger.Info("Alert monitor started",
			"check_interval", m.config.CheckInterval.String(),
			"cleanup_interval", m.config.CleanupInterval.String(),
		)

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-check.C:
				m.Check(ctx)
			case now := <-cleanup.C:
				m.engine.Cleanup(now)
			}
		}
	}()
}

// Stop halts the loops and waits for them to exit
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
