package rack

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor refreshes a rack on a fixed interval so wheels that were plugged
// in after startup join the indices.
type Monitor struct {
	rack     *Rack
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewMonitor(rack *Rack, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		rack:     rack,
		interval: interval,
		logger:   logger,
	}
}

// Start begins periodic refreshes. A non-positive interval disables the
// monitor.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || m.interval <= 0 {
		return nil
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)

	go m.loop(m.stopChan)

	m.logger.Info("Rack monitor started", zap.Duration("interval", m.interval))
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopChan)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Rack monitor stopped")
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.refresh(stop)
		}
	}
}

func (m *Monitor) refresh(stop <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := m.rack.Refresh(ctx); err != nil {
		m.logger.Debug("Rack refresh aborted", zap.Error(err))
	}
}
