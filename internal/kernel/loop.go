package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shinkei/internal/telemetry"
)

// popWait bounds how long a drain pass parks on the high queue when all
// queues are empty. Short enough that a waiting normal/background task is
// never starved by the wait itself.
const popWait = 5 * time.Millisecond

// Config tunes the kernel loop.
type Config struct {
	HighDrainLimit       int
	NormalDrainLimit     int
	BackgroundDrainLimit int
	CycleBudget          time.Duration
	MinSleep             time.Duration

	HealthCheckEvery    uint64
	MemoryOptimizeEvery uint64
	PluginCheckEvery    uint64

	NightWindowStartHour int
	NightWindowEndHour   int
	NightMinInterval     time.Duration
}

// Hooks are the maintenance entry points the loop drives. Nil hooks are
// skipped. All hooks run on goroutines independent of the drain pass and
// may overlap with it.
type Hooks struct {
	// Heartbeat is called once per cycle on the loop goroutine, typically
	// wired to the directory's heartbeat for the loop's own service record.
	Heartbeat func()

	HealthCheck         func(ctx context.Context) error // every HealthCheckEvery cycles
	LightMemoryOptimize func(ctx context.Context) error // every MemoryOptimizeEvery cycles
	PluginHealthCheck   func(ctx context.Context) error // every PluginCheckEvery cycles

	// NightSteps run in order during the once-daily night cycle. A failing
	// step is logged and counted, and the remaining steps still run.
	NightSteps []NightStep
}

// NightStep is one named deep-maintenance action.
type NightStep struct {
	Name string
	Run  func(ctx context.Context) error
}

// HandlerFunc executes one task. Panics and errors are contained by the loop.
type HandlerFunc func(ctx context.Context, task Task) error

// Loop is the kernel loop scheduler. Construct with NewLoop, register task
// handlers, then Start. The loop drains the three priority queues with
// bounded fairness, fires cycle-count maintenance triggers, and runs the
// night cycle inside its configured wall-clock window.
type Loop struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	hooks  Hooks
	tracer trace.Tracer

	queues   map[Priority]*Queue
	handlers map[string]HandlerFunc
	fallback HandlerFunc

	metrics *Metrics

	running    atomic.Bool
	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	maintWG    sync.WaitGroup
}

// NewLoop creates a kernel loop. Handlers must be registered before Start.
func NewLoop(cfg Config, logger *slog.Logger, clk clock.Clock, hooks Hooks) *Loop {
	return &Loop{
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		hooks:  hooks,
		tracer: telemetry.Tracer("shinkei/kernel"),
		queues: map[Priority]*Queue{
			PriorityHigh:       NewQueue(),
			PriorityNormal:     NewQueue(),
			PriorityBackground: NewQueue(),
		},
		handlers: make(map[string]HandlerFunc),
		metrics:  &Metrics{},
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for a task type. Not safe to call after Start.
func (l *Loop) Handle(taskType string, fn HandlerFunc) {
	l.handlers[taskType] = fn
}

// HandleDefault registers the fallback handler for task types with no
// dedicated handler. Not safe to call after Start.
func (l *Loop) HandleDefault(fn HandlerFunc) {
	l.fallback = fn
}

// AddTask enqueues a task into the queue named by its priority. Queues are
// unbounded, so this never blocks; tasks enqueued while the loop is stopped
// are executed after the next Start.
func (l *Loop) AddTask(task Task) error {
	if !task.Priority.Valid() {
		return fmt.Errorf("kernel: invalid priority %q", task.Priority)
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.EnqueuedAt = l.clock.Now()
	l.queues[task.Priority].Push(task)
	return nil
}

// QueueSizes returns the current depth of each queue.
func (l *Loop) QueueSizes() map[Priority]int {
	return map[Priority]int{
		PriorityHigh:       l.queues[PriorityHigh].Len(),
		PriorityNormal:     l.queues[PriorityNormal].Len(),
		PriorityBackground: l.queues[PriorityBackground].Len(),
	}
}

// Metrics returns the loop's metrics for snapshotting.
func (l *Loop) Metrics() *Metrics { return l.metrics }

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool { return l.running.Load() }

// Start begins the loop. Safe to call only once; subsequent calls are
// no-ops and log a warning.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		l.logger.Warn("kernel: Start called more than once, ignoring")
		return
	}
	l.metrics.markStarted(l.clock.Now())
	l.metrics.registerMetrics(l.queues)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.running.Store(true)
	go l.run(loopCtx)
	l.logger.Info("kernel: loop started",
		"drain_limits", []int{l.cfg.HighDrainLimit, l.cfg.NormalDrainLimit, l.cfg.BackgroundDrainLimit},
		"night_window", fmt.Sprintf("%02d:00-%02d:59", l.cfg.NightWindowStartHour, l.cfg.NightWindowEndHour))
}

// Stop requests shutdown and waits for the current iteration (and in-flight
// maintenance) to finish, or for ctx to expire. Idempotent: a second call
// is a no-op and never fails.
func (l *Loop) Stop(ctx context.Context) {
	l.stopOnce.Do(func() {
		if l.cancelLoop == nil {
			return
		}
		l.cancelLoop()
		select {
		case <-l.done:
			l.logger.Info("kernel: loop stopped", "cycles", l.metrics.cycles())
		case <-ctx.Done():
			l.logger.Warn("kernel: stop timed out waiting for current iteration")
		}
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.running.Store(false)
	defer l.maintWG.Wait()

	for {
		if ctx.Err() != nil {
			return
		}

		start := l.clock.Now()
		l.drain(ctx)
		elapsed := l.clock.Now().Sub(start)

		l.metrics.recordCycle(elapsed)
		cycle := l.metrics.cycles()

		l.fireMaintenance(ctx, cycle)
		l.maybeStartNightCycle(ctx)

		if l.hooks.Heartbeat != nil {
			l.hooks.Heartbeat()
		}

		// Self-throttle: a fast cycle sleeps most of the budget; a slow one
		// still yields for MinSleep instead of busy-spinning.
		sleep := l.cfg.CycleBudget - elapsed
		if sleep < l.cfg.MinSleep {
			sleep = l.cfg.MinSleep
		}
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(sleep):
		}
	}
}

// drain executes one bounded pass over the queues: strict priority order,
// with per-queue budgets so background tasks make guaranteed forward
// progress even under sustained high-priority load.
func (l *Loop) drain(ctx context.Context) {
	l.drainQueue(ctx, PriorityHigh, l.cfg.HighDrainLimit, true)
	l.drainQueue(ctx, PriorityNormal, l.cfg.NormalDrainLimit, false)
	l.drainQueue(ctx, PriorityBackground, l.cfg.BackgroundDrainLimit, false)
}

func (l *Loop) drainQueue(ctx context.Context, p Priority, limit int, bounded bool) {
	q := l.queues[p]
	for i := 0; i < limit; i++ {
		var (
			task Task
			ok   bool
		)
		if i == 0 && bounded {
			// First pop of the pass parks briefly so an idle loop picks up
			// new work promptly without spinning.
			task, ok = q.PopWait(ctx, popWait)
		} else {
			task, ok = q.TryPop()
		}
		if !ok {
			return
		}
		l.execute(ctx, task)
	}
}

// execute runs one task, containing panics and errors: they are logged,
// counted, and never terminate the loop.
func (l *Loop) execute(ctx context.Context, task Task) {
	handler := l.handlers[task.Type]
	if handler == nil {
		handler = l.fallback
	}
	if handler == nil {
		l.logger.Warn("kernel: no handler for task", "type", task.Type, "id", task.ID)
		return
	}

	ctx, span := l.tracer.Start(ctx, "kernel.task",
		trace.WithAttributes(
			attribute.String("task.type", task.Type),
			attribute.String("task.priority", string(task.Priority)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			l.metrics.recordError()
			l.logger.Error("kernel: task panicked", "type", task.Type, "id", task.ID, "panic", r)
		}
	}()
	if err := handler(ctx, task); err != nil {
		l.metrics.recordError()
		l.logger.Error("kernel: task failed", "type", task.Type, "id", task.ID, "error", err)
	}
}

// fireMaintenance launches the periodic maintenance streams whose
// cycle-count boundary is due. Each runs on its own goroutine so a slow
// check never stalls the drain cadence.
func (l *Loop) fireMaintenance(ctx context.Context, cycle uint64) {
	if l.hooks.HealthCheck != nil && cycle%l.cfg.HealthCheckEvery == 0 {
		l.runMaintenance(ctx, "health_check", l.hooks.HealthCheck)
	}
	if l.hooks.LightMemoryOptimize != nil && cycle%l.cfg.MemoryOptimizeEvery == 0 {
		l.runMaintenance(ctx, "memory_optimize", l.hooks.LightMemoryOptimize)
	}
	if l.hooks.PluginHealthCheck != nil && cycle%l.cfg.PluginCheckEvery == 0 {
		l.runMaintenance(ctx, "plugin_health_check", l.hooks.PluginHealthCheck)
	}
}

func (l *Loop) runMaintenance(ctx context.Context, name string, fn func(ctx context.Context) error) {
	l.maintWG.Add(1)
	go func() {
		defer l.maintWG.Done()
		defer func() {
			if r := recover(); r != nil {
				l.metrics.recordError()
				l.logger.Error("kernel: maintenance panicked", "step", name, "panic", r)
			}
		}()
		if err := fn(ctx); err != nil {
			l.metrics.recordError()
			l.logger.Warn("kernel: maintenance failed", "step", name, "error", err)
		}
	}()
}
