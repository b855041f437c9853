package kernel

import (
	"context"
	"time"
)

// maybeStartNightCycle launches the deep-maintenance pass when the wall
// clock is inside the configured window and the previous night cycle is at
// least NightMinInterval old. The counter is advanced before the goroutine
// starts, so the cycle runs at most once per rolling interval no matter how
// many iterations observe the window.
func (l *Loop) maybeStartNightCycle(ctx context.Context) {
	if len(l.hooks.NightSteps) == 0 {
		return
	}

	now := l.clock.Now()
	if !l.inNightWindow(now) {
		return
	}
	if last := l.metrics.lastNight(); !last.IsZero() && now.Sub(last) < l.cfg.NightMinInterval {
		return
	}

	l.metrics.recordNightCycle(now)
	l.maintWG.Add(1)
	go l.runNightCycle(ctx)
}

func (l *Loop) inNightWindow(now time.Time) bool {
	hour := now.Hour()
	return hour >= l.cfg.NightWindowStartHour && hour <= l.cfg.NightWindowEndHour
}

// runNightCycle executes the deep-maintenance steps in order. Each step is
// individually contained: a failure or panic is logged and counted, and the
// remaining steps still run.
func (l *Loop) runNightCycle(ctx context.Context) {
	defer l.maintWG.Done()

	start := l.clock.Now()
	l.logger.Info("kernel: night cycle starting", "steps", len(l.hooks.NightSteps))

	for _, step := range l.hooks.NightSteps {
		if ctx.Err() != nil {
			l.logger.Warn("kernel: night cycle interrupted by shutdown", "at_step", step.Name)
			return
		}
		l.runNightStep(ctx, step)
	}

	l.logger.Info("kernel: night cycle complete", "took", l.clock.Now().Sub(start))
}

func (l *Loop) runNightStep(ctx context.Context, step NightStep) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.recordError()
			l.logger.Error("kernel: night step panicked", "step", step.Name, "panic", r)
		}
	}()
	if err := step.Run(ctx); err != nil {
		l.metrics.recordError()
		l.logger.Warn("kernel: night step failed", "step", step.Name, "error", err)
	}
}
