package kernel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shinkei/internal/telemetry"
)

func priorityAttr(p Priority) attribute.KeyValue {
	return attribute.String("priority", string(p))
}

// emaAlpha is the smoothing factor for the rolling average cycle time.
const emaAlpha = 0.1

// Metrics tracks kernel loop health. Only the loop goroutine mutates it;
// Snapshot may be called concurrently from status queries.
type Metrics struct {
	mu              sync.RWMutex
	totalCycles     uint64
	lastCycleTime   time.Duration
	avgCycleTime    time.Duration // exponential moving average
	errorCount      uint64
	nightCycleCount uint64
	lastNightCycle  time.Time
	startedAt       time.Time
}

// MetricsSnapshot is an immutable copy of the loop metrics.
type MetricsSnapshot struct {
	TotalCycles     uint64        `json:"total_cycles"`
	LastCycleTime   time.Duration `json:"last_cycle_time"`
	AvgCycleTime    time.Duration `json:"avg_cycle_time"`
	ErrorCount      uint64        `json:"error_count"`
	NightCycleCount uint64        `json:"night_cycle_count"`
	LastNightCycle  time.Time     `json:"last_night_cycle,omitzero"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
}

// recordCycle folds one completed cycle into the totals and the EMA.
func (m *Metrics) recordCycle(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalCycles++
	m.lastCycleTime = elapsed
	if m.avgCycleTime == 0 {
		m.avgCycleTime = elapsed
	} else {
		m.avgCycleTime = time.Duration(
			emaAlpha*float64(elapsed) + (1-emaAlpha)*float64(m.avgCycleTime))
	}
}

func (m *Metrics) recordError() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
}

func (m *Metrics) recordNightCycle(at time.Time) {
	m.mu.Lock()
	m.nightCycleCount++
	m.lastNightCycle = at
	m.mu.Unlock()
}

func (m *Metrics) markStarted(at time.Time) {
	m.mu.Lock()
	m.startedAt = at
	m.mu.Unlock()
}

func (m *Metrics) cycles() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalCycles
}

func (m *Metrics) lastNight() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastNightCycle
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		TotalCycles:     m.totalCycles,
		LastCycleTime:   m.lastCycleTime,
		AvgCycleTime:    m.avgCycleTime,
		ErrorCount:      m.errorCount,
		NightCycleCount: m.nightCycleCount,
		LastNightCycle:  m.lastNightCycle,
		StartedAt:       m.startedAt,
	}
}

// registerMetrics exposes the loop counters as observable OTEL instruments.
func (m *Metrics) registerMetrics(queues map[Priority]*Queue) {
	meter := telemetry.Meter("shinkei/kernel")

	_, _ = meter.Int64ObservableCounter("shinkei.kernel.cycles",
		metric.WithDescription("Total kernel loop cycles"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.cycles()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("shinkei.kernel.errors",
		metric.WithDescription("Errors caught inside tasks and maintenance steps"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			n := m.errorCount
			m.mu.RUnlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	_, _ = meter.Float64ObservableGauge("shinkei.kernel.cycle_time_avg_seconds",
		metric.WithDescription("Exponential moving average of cycle time"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			avg := m.avgCycleTime
			m.mu.RUnlock()
			o.Observe(avg.Seconds())
			return nil
		}),
	)
	for prio, q := range queues {
		q := q
		_, _ = meter.Int64ObservableGauge("shinkei.kernel.queue_depth",
			metric.WithDescription("Pending tasks per priority queue"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(q.Len()), metric.WithAttributes(priorityAttr(prio)))
				return nil
			}),
		)
	}
}
