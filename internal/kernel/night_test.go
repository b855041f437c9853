package kernel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nightClock returns a mock clock set to the given local hour.
func nightClock(hour int) *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 8, 26, hour, 30, 0, 0, time.Local))
	return clk
}

func countingSteps(n *atomic.Int64) []NightStep {
	return []NightStep{
		{Name: "memory_consolidation", Run: func(context.Context) error { n.Add(1); return nil }},
		{Name: "plugin_optimization", Run: func(context.Context) error { n.Add(1); return nil }},
		{Name: "self_reflection", Run: func(context.Context) error { n.Add(1); return nil }},
		{Name: "temp_cleanup", Run: func(context.Context) error { n.Add(1); return nil }},
	}
}

func TestNightCycleRunsInsideWindow(t *testing.T) {
	var steps atomic.Int64
	clk := nightClock(3)
	l := NewLoop(testConfig(), testLogger(), clk, Hooks{NightSteps: countingSteps(&steps)})

	l.maybeStartNightCycle(context.Background())
	l.maintWG.Wait()

	assert.Equal(t, int64(4), steps.Load())
	assert.Equal(t, uint64(1), l.Metrics().Snapshot().NightCycleCount)
}

func TestNightCycleSkippedOutsideWindow(t *testing.T) {
	var steps atomic.Int64
	for _, hour := range []int{0, 1, 5, 12, 23} {
		clk := nightClock(hour)
		l := NewLoop(testConfig(), testLogger(), clk, Hooks{NightSteps: countingSteps(&steps)})

		l.maybeStartNightCycle(context.Background())
		l.maintWG.Wait()
	}

	assert.Zero(t, steps.Load(), "night cycle must not run outside 02:00-04:59")
}

func TestNightCycleAtMostOncePerRollingDay(t *testing.T) {
	var steps atomic.Int64
	clk := nightClock(2)
	l := NewLoop(testConfig(), testLogger(), clk, Hooks{NightSteps: countingSteps(&steps)})

	ctx := context.Background()

	// Many iterations observe the same window; only the first fires.
	for i := 0; i < 50; i++ {
		l.maybeStartNightCycle(ctx)
		clk.Add(time.Minute)
	}
	l.maintWG.Wait()
	require.Equal(t, uint64(1), l.Metrics().Snapshot().NightCycleCount)

	// Still inside the next night's window but less than 24h since the
	// last run: nothing fires.
	clk.Add(23 * time.Hour)
	l.maybeStartNightCycle(ctx)
	l.maintWG.Wait()
	require.Equal(t, uint64(1), l.Metrics().Snapshot().NightCycleCount)

	// A full day later the window opens again.
	clk.Add(90 * time.Minute)
	l.maybeStartNightCycle(ctx)
	l.maintWG.Wait()
	assert.Equal(t, uint64(2), l.Metrics().Snapshot().NightCycleCount)
}

func TestNightStepFailureDoesNotAbortCycle(t *testing.T) {
	var ran atomic.Int64
	steps := []NightStep{
		{Name: "broken", Run: func(context.Context) error { panic("disk gone") }},
		{Name: "still_runs", Run: func(context.Context) error { ran.Add(1); return nil }},
	}
	l := NewLoop(testConfig(), testLogger(), nightClock(3), Hooks{NightSteps: steps})

	l.maybeStartNightCycle(context.Background())
	l.maintWG.Wait()

	assert.Equal(t, int64(1), ran.Load(), "steps after a failing one still run")
	assert.Equal(t, uint64(1), l.Metrics().Snapshot().ErrorCount)
}
