package kernel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		HighDrainLimit:       5,
		NormalDrainLimit:     3,
		BackgroundDrainLimit: 1,
		CycleBudget:          time.Second,
		MinSleep:             100 * time.Millisecond,
		HealthCheckEvery:     300,
		MemoryOptimizeEvery:  1800,
		PluginCheckEvery:     3600,
		NightWindowStartHour: 2,
		NightWindowEndHour:   4,
		NightMinInterval:     24 * time.Hour,
	}
}

// executionRecorder captures task execution order across goroutines.
type executionRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *executionRecorder) handler(tag string) HandlerFunc {
	return func(context.Context, Task) error {
		r.mu.Lock()
		r.order = append(r.order, tag)
		r.mu.Unlock()
		return nil
	}
}

func (r *executionRecorder) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestDrainStrictPriorityOrder(t *testing.T) {
	l := NewLoop(testConfig(), testLogger(), clock.NewMock(), Hooks{})
	rec := &executionRecorder{}
	l.Handle("high", rec.handler("high"))
	l.Handle("bg", rec.handler("bg"))

	// 5 high and 3 background tasks; one drain executes all 5 high tasks
	// strictly before any background task.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.AddTask(Task{Type: "high", Priority: PriorityHigh}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, l.AddTask(Task{Type: "bg", Priority: PriorityBackground}))
	}

	l.drain(context.Background())

	got := rec.executed()
	require.Len(t, got, 6) // 5 high + 1 background (budget 1)
	assert.Equal(t, []string{"high", "high", "high", "high", "high", "bg"}, got)
}

func TestDrainRespectsPerQueueBudgets(t *testing.T) {
	l := NewLoop(testConfig(), testLogger(), clock.NewMock(), Hooks{})
	rec := &executionRecorder{}
	l.HandleDefault(rec.handler("task"))

	for i := 0; i < 20; i++ {
		require.NoError(t, l.AddTask(Task{Type: "t", Priority: PriorityHigh}))
	}

	l.drain(context.Background())
	assert.Len(t, rec.executed(), 5, "one pass drains at most HighDrainLimit high tasks")
	assert.Equal(t, 15, l.QueueSizes()[PriorityHigh])
}

func TestBackgroundMakesProgressUnderHighLoad(t *testing.T) {
	l := NewLoop(testConfig(), testLogger(), clock.NewMock(), Hooks{})
	rec := &executionRecorder{}
	l.Handle("high", rec.handler("high"))
	l.Handle("bg", rec.handler("bg"))

	// Sustained high-priority load: more high tasks than ten passes can
	// drain, plus a handful of background tasks.
	for i := 0; i < 100; i++ {
		require.NoError(t, l.AddTask(Task{Type: "high", Priority: PriorityHigh}))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, l.AddTask(Task{Type: "bg", Priority: PriorityBackground}))
	}

	for i := 0; i < 4; i++ {
		l.drain(context.Background())
	}

	var bg int
	for _, tag := range rec.executed() {
		if tag == "bg" {
			bg++
		}
	}
	assert.Equal(t, 4, bg, "background tasks drain at one per pass despite high backlog")
}

func TestTaskErrorIsCountedNotFatal(t *testing.T) {
	l := NewLoop(testConfig(), testLogger(), clock.NewMock(), Hooks{})
	l.Handle("bad", func(context.Context, Task) error { return errors.New("boom") })
	l.Handle("panic", func(context.Context, Task) error { panic("kaboom") })
	l.Handle("good", func(context.Context, Task) error { return nil })

	require.NoError(t, l.AddTask(Task{Type: "bad", Priority: PriorityHigh}))
	require.NoError(t, l.AddTask(Task{Type: "panic", Priority: PriorityHigh}))
	require.NoError(t, l.AddTask(Task{Type: "good", Priority: PriorityHigh}))

	l.drain(context.Background())

	snap := l.Metrics().Snapshot()
	assert.Equal(t, uint64(2), snap.ErrorCount)
	assert.Zero(t, l.QueueSizes()[PriorityHigh], "failing tasks do not stall the queue")
}

func TestUnknownTaskTypeIsSkipped(t *testing.T) {
	l := NewLoop(testConfig(), testLogger(), clock.NewMock(), Hooks{})

	require.NoError(t, l.AddTask(Task{Type: "mystery", Priority: PriorityNormal}))
	assert.NotPanics(t, func() { l.drain(context.Background()) })
	assert.Zero(t, l.QueueSizes()[PriorityNormal])
}

func TestAddTaskRejectsInvalidPriority(t *testing.T) {
	l := NewLoop(testConfig(), testLogger(), clock.NewMock(), Hooks{})
	assert.Error(t, l.AddTask(Task{Type: "t", Priority: Priority("urgent")}))
}

func TestMaintenanceFiresOnCycleBoundaries(t *testing.T) {
	var health, memory, plugins atomic.Int64
	hooks := Hooks{
		HealthCheck:         func(context.Context) error { health.Add(1); return nil },
		LightMemoryOptimize: func(context.Context) error { memory.Add(1); return nil },
		PluginHealthCheck:   func(context.Context) error { plugins.Add(1); return nil },
	}
	cfg := testConfig()
	l := NewLoop(cfg, testLogger(), clock.NewMock(), hooks)

	for cycle := uint64(1); cycle <= 3600; cycle++ {
		l.fireMaintenance(context.Background(), cycle)
	}
	l.maintWG.Wait()

	assert.Equal(t, int64(12), health.Load(), "health check every 300 cycles")
	assert.Equal(t, int64(2), memory.Load(), "memory optimization every 1800 cycles")
	assert.Equal(t, int64(1), plugins.Load(), "plugin check every 3600 cycles")
}

func TestMaintenanceFailureCountedNotFatal(t *testing.T) {
	hooks := Hooks{
		HealthCheck: func(context.Context) error { return errors.New("degraded") },
	}
	l := NewLoop(testConfig(), testLogger(), clock.NewMock(), hooks)

	l.fireMaintenance(context.Background(), 300)
	l.maintWG.Wait()

	assert.Equal(t, uint64(1), l.Metrics().Snapshot().ErrorCount)
}

func TestLoopRunsAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.CycleBudget = 5 * time.Millisecond
	cfg.MinSleep = time.Millisecond

	var beats atomic.Int64
	l := NewLoop(cfg, testLogger(), clock.New(), Hooks{
		Heartbeat: func() { beats.Add(1) },
	})
	rec := &executionRecorder{}
	l.Handle("work", rec.handler("work"))

	ctx := context.Background()
	l.Start(ctx)
	require.True(t, l.Running())

	require.NoError(t, l.AddTask(Task{Type: "work", Priority: PriorityHigh}))

	require.Eventually(t, func() bool {
		return len(rec.executed()) == 1 && beats.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	// cycleCount is monotonically non-decreasing while the loop runs.
	first := l.Metrics().Snapshot().TotalCycles
	require.Eventually(t, func() bool {
		return l.Metrics().Snapshot().TotalCycles > first
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l.Stop(stopCtx)
	assert.False(t, l.Running())

	// Stop is idempotent: a second call is a no-op and never panics.
	assert.NotPanics(t, func() { l.Stop(stopCtx) })
}

func TestStartTwiceIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.CycleBudget = 5 * time.Millisecond
	cfg.MinSleep = time.Millisecond
	l := NewLoop(cfg, testLogger(), clock.New(), Hooks{})

	ctx := context.Background()
	l.Start(ctx)
	l.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l.Stop(stopCtx)
}
