package registry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Monitor is the heartbeat monitor: a background scan that demotes stale
// services and fails ones whose liveness probe reports not-alive. It is
// advisory and best-effort — probe panics are swallowed and logged, and the
// monitor never stops on its own.
type Monitor struct {
	dir        *Directory
	logger     *slog.Logger
	clock      clock.Clock
	interval   time.Duration
	staleAfter time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// NewMonitor creates a heartbeat monitor that scans every interval and
// demotes HEALTHY records whose heartbeat is older than staleAfter.
func NewMonitor(dir *Directory, logger *slog.Logger, clk clock.Clock, interval, staleAfter time.Duration) *Monitor {
	return &Monitor{
		dir:        dir,
		logger:     logger,
		clock:      clk,
		interval:   interval,
		staleAfter: staleAfter,
		done:       make(chan struct{}),
	}
}

// Start begins the scan loop. Safe to call only once; subsequent calls are
// no-ops and log a warning.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("heartbeat: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel
	go m.loop(loopCtx)
}

// Stop terminates the scan loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancelLoop != nil {
		m.cancelLoop()
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan performs one pass over all records. Exported so tests (and the
// launcher's health validation) can run a scan without waiting for a tick.
func (m *Monitor) Scan(ctx context.Context) {
	now := m.clock.Now()

	for _, entry := range m.dir.scanRecords() {
		info := entry.info
		if info.Status == StatusFailed || info.Status == StatusStopping {
			continue
		}

		// A negative liveness probe forces FAILED regardless of heartbeat
		// freshness.
		if p, ok := entry.instance.(Pinger); ok {
			if !m.probe(ctx, info.Name, p) {
				m.logger.Error("heartbeat: liveness probe failed", "service", info.Name)
				if err := m.dir.UpdateStatus(info.Name, StatusFailed, nil); err != nil {
					m.logger.Warn("heartbeat: demote failed", "service", info.Name, "error", err)
				}
				continue
			}
		}

		if info.Status == StatusHealthy && now.Sub(info.LastHeartbeat) > m.staleAfter {
			m.logger.Warn("heartbeat: stale service, demoting",
				"service", info.Name, "age", now.Sub(info.LastHeartbeat))
			if err := m.dir.UpdateStatus(info.Name, StatusDegraded, nil); err != nil {
				m.logger.Warn("heartbeat: demote failed", "service", info.Name, "error", err)
			}
		}
	}
}

// probe runs a liveness probe, treating a panic as "alive": a broken probe
// must not fail an otherwise responsive service, only a deliberate negative
// answer does.
func (m *Monitor) probe(ctx context.Context, name string, p Pinger) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("heartbeat: probe panicked", "service", name, "panic", r)
			alive = true
		}
	}()
	return p.Ping(ctx)
}
