package registry

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultHeartbeatInterval is how often the monitor scans for stale
	// connections.
	DefaultHeartbeatInterval = 60 * time.Second
	// DefaultHeartbeatTimeout is how long a connection may go without a
	// heartbeat before it is force-disconnected.
	DefaultHeartbeatTimeout = 180 * time.Second
)

// Monitor sweeps the registry on a fixed period and force-disconnects
// connections whose heartbeat has gone silent. Exactly one monitor runs per
// hub process.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a heartbeat monitor. Zero interval or timeout selects
// the defaults.
func NewMonitor(reg *Registry, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Monitor{
		reg:      reg,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "heartbeat-monitor"),
	}
}

// Run blocks sweeping until ctx is canceled. Cancelling the monitor never
// touches live connections; only process shutdown or an explicit Reset clears
// state.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("heartbeat monitoring started", "interval", m.interval, "timeout", m.timeout)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep disconnects every connection stale at now. The registry lock is taken
// once for the scan and then briefly per candidate disconnect, so routing
// traffic is never starved by a large sweep.
func (m *Monitor) sweep(now time.Time) int {
	stale := m.reg.stale(now, m.timeout)
	for _, s := range stale {
		m.logger.Warn("stale connection detected",
			"role", s.role, "id", s.id, "env_id", s.envID,
			"last_heartbeat", s.lastBeat)
		_ = s.conn.Close("heartbeat timeout")
		m.reg.Disconnect(s.role, s.id, s.envID, s.conn)
	}
	return len(stale)
}
