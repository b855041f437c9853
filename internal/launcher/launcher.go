// Package launcher sequences system boot and shutdown: directory first,
// then subsystem loading with graceful fallback to stand-ins, then the
// kernel loop, activation, health validation, and steady-state supervision.
// Shutdown runs the sequence in reverse. An unhandled panic during the
// ordered boot phases takes the emergency path instead.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shinkei/internal/config"
	"github.com/ashita-ai/shinkei/internal/journal"
	"github.com/ashita-ai/shinkei/internal/kernel"
	"github.com/ashita-ai/shinkei/internal/registry"
	"github.com/ashita-ai/shinkei/internal/subsystem"
)

// Task types the launcher registers kernel handlers for.
const (
	// TaskAnnounceOnline is the high-priority task enqueued once boot
	// completes — the system's first self-generated event.
	TaskAnnounceOnline = "announce_online"
	// TaskHubSearch queries the marketplace hub. Payload: "query" string,
	// optional "filters" map, optional "reply_to" service name for the
	// results.
	TaskHubSearch = "hub_search"
	// TaskHubFeatured fetches the hub's featured list. Payload: optional
	// "reply_to" service name.
	TaskHubFeatured = "hub_featured"
	// TaskMemoryOptimize runs the memory store's full optimization pass on
	// demand, outside the night cycle.
	TaskMemoryOptimize = "memory_optimize"
)

// criticalServices are validated (and only logged when absent) after the
// activation pass.
var criticalServices = []string{
	subsystem.NameMemory, subsystem.NamePlugins, subsystem.NameIntelligence, subsystem.NameKernel,
}

// Set binds each subsystem slot to a real collaborator. Nil fields get
// stand-ins at load time.
type Set struct {
	Memory       subsystem.MemoryStore
	Plugins      subsystem.PluginHost
	Intelligence subsystem.IntelligenceEngine
	Schedule     subsystem.ScheduleSource
	Hub          subsystem.Hub
	Presentation subsystem.Presentation
}

// Launcher owns the boot/shutdown lifecycle of one system instance. Build
// one per process with New; tests build a fresh one per case.
type Launcher struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock
	set    Set

	dir      *registry.Directory
	resolver *registry.Resolver
	monitor  *registry.Monitor
	loop     *kernel.Loop
	jrnl     *journal.Journal

	// loaded holds the supervised subsystems in registration order.
	loaded []subsystem.Subsystem

	shutdownOnce sync.Once
}

// New wires a launcher: directory, resolver, heartbeat monitor, journal,
// and a kernel loop whose maintenance hooks reach the collaborators in set.
// Nothing starts until Run.
func New(cfg config.Config, logger *slog.Logger, clk clock.Clock, set Set) *Launcher {
	l := &Launcher{
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		set:    set,
	}

	l.dir = registry.New(logger, clk, cfg.EventBufferSize)
	l.resolver = registry.NewResolver(l.dir, logger)
	l.monitor = registry.NewMonitor(l.dir, logger, clk, cfg.HeartbeatInterval, cfg.StaleThreshold)
	l.jrnl = journal.Open(cfg.JournalPath, logger)

	l.loop = kernel.NewLoop(kernel.Config{
		HighDrainLimit:       cfg.HighDrainLimit,
		NormalDrainLimit:     cfg.NormalDrainLimit,
		BackgroundDrainLimit: cfg.BackgroundDrainLimit,
		CycleBudget:          cfg.CycleBudget,
		MinSleep:             cfg.MinSleep,
		HealthCheckEvery:     cfg.HealthCheckEvery,
		MemoryOptimizeEvery:  cfg.MemoryOptimizeEvery,
		PluginCheckEvery:     cfg.PluginCheckEvery,
		NightWindowStartHour: cfg.NightWindowStartHour,
		NightWindowEndHour:   cfg.NightWindowEndHour,
		NightMinInterval:     cfg.NightMinInterval,
	}, logger, clk, l.buildHooks())

	l.loop.Handle(TaskAnnounceOnline, func(ctx context.Context, task kernel.Task) error {
		delivered := l.dir.BroadcastMessage(ctx, subsystem.NameKernel, map[string]any{
			"kind": "system_online",
			"at":   l.clock.Now().UTC().Format(time.RFC3339),
		})
		l.logger.Info("launcher: system online announced", "delivered", delivered)
		return nil
	})
	if set.Hub != nil {
		l.loop.Handle(TaskHubSearch, l.handleHubSearch)
		l.loop.Handle(TaskHubFeatured, l.handleHubFeatured)
	}
	if set.Memory != nil {
		l.loop.Handle(TaskMemoryOptimize, func(ctx context.Context, task kernel.Task) error {
			return l.set.Memory.Optimize(ctx)
		})
	}

	return l
}

// handleHubSearch runs a marketplace query. Results go to the service named
// in the task's reply_to field when present, otherwise they are only logged.
func (l *Launcher) handleHubSearch(ctx context.Context, task kernel.Task) error {
	query, _ := task.Payload["query"].(string)
	filters, _ := task.Payload["filters"].(map[string]any)

	results, err := l.set.Hub.Search(ctx, query, filters)
	if err != nil {
		return fmt.Errorf("hub search %q: %w", query, err)
	}
	l.logger.Info("launcher: hub search complete", "query", query, "results", len(results))
	return l.replyTo(ctx, task, map[string]any{
		"kind":    "hub_search_results",
		"query":   query,
		"results": results,
	})
}

// handleHubFeatured fetches the hub's featured list.
func (l *Launcher) handleHubFeatured(ctx context.Context, task kernel.Task) error {
	featured, err := l.set.Hub.Featured(ctx)
	if err != nil {
		return fmt.Errorf("hub featured: %w", err)
	}
	l.logger.Info("launcher: hub featured fetched", "count", len(featured))
	return l.replyTo(ctx, task, map[string]any{
		"kind":    "hub_featured_results",
		"results": featured,
	})
}

// replyTo delivers a result payload to the service named in the task's
// reply_to field, if any.
func (l *Launcher) replyTo(ctx context.Context, task kernel.Task, payload map[string]any) error {
	target, ok := task.Payload["reply_to"].(string)
	if !ok || target == "" {
		return nil
	}
	return l.dir.SendMessage(ctx, subsystem.NameHub, target, payload)
}

// Directory exposes the service directory to embedders.
func (l *Launcher) Directory() *registry.Directory { return l.dir }

// Loop exposes the kernel loop for task submission and status queries.
func (l *Launcher) Loop() *kernel.Loop { return l.loop }

// Journal exposes the lifecycle journal (possibly disabled).
func (l *Launcher) Journal() *journal.Journal { return l.jrnl }

// Run executes the boot sequence, supervises the system until ctx is
// cancelled or a core component stops, then shuts down. A fatal boot error
// is the only failure that propagates; it takes the emergency path first.
// A panic during boot also takes the emergency path, then re-panics.
func (l *Launcher) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("launcher: panic during boot, taking emergency path", "panic", r)
			l.emergencyStop()
			panic(r)
		}
	}()

	if err := l.boot(ctx); err != nil {
		l.emergencyStop()
		return err
	}

	l.supervise(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()
	l.Shutdown(shutdownCtx)
	return nil
}

// boot runs the strictly ordered phases 1-6: directory check, subsystem
// loading, kernel loop start, activation, health validation, and the
// announce-online task. Single pass, no backtracking.
func (l *Launcher) boot(ctx context.Context) error {
	// Phase 1: the directory is the one component with no stand-in.
	if l.dir.Closed() {
		return fmt.Errorf("launcher: directory unavailable, cannot boot")
	}
	l.reportPreviousRun()
	l.jrnl.Mark("boot", map[string]any{"at": l.clock.Now().UTC().Format(time.RFC3339)})

	// Phase 2: load subsystems in fixed order, substituting stand-ins so
	// later phases never special-case "missing".
	l.loadSubsystems(ctx)

	// Phase 3: start the kernel loop and its supporting loops, and register
	// the loop itself as a supervised service.
	if err := l.dir.Register(subsystem.NameKernel, kernelService{l.loop}, nil, nil); err != nil {
		return fmt.Errorf("launcher: register kernel loop: %w", err)
	}
	l.resolver.Start(ctx)
	l.monitor.Start(ctx)
	l.loop.Start(ctx)

	// Phase 4: activation pass. Hooks return synchronously; subsystems may
	// keep working in the background afterwards.
	l.activate(ctx)

	// Phase 5: health validation. Absences are logged, never fatal.
	l.validate()

	// Phase 6: the system's first self-generated event.
	if err := l.loop.AddTask(kernel.Task{Type: TaskAnnounceOnline, Priority: kernel.PriorityHigh}); err != nil {
		return fmt.Errorf("launcher: announce online: %w", err)
	}

	l.logger.Info("launcher: boot complete", "services", len(l.dir.List()))
	return nil
}

// reportPreviousRun logs the previous shutdown's metrics snapshot and the
// tail of the lifecycle journal. Strictly best-effort: a missing or corrupt
// snapshot and an empty or disabled journal all just log and move on.
func (l *Launcher) reportPreviousRun() {
	snap, ok, err := kernel.ReadSnapshot(l.cfg.SnapshotPath)
	switch {
	case err != nil:
		l.logger.Warn("launcher: previous metrics snapshot unreadable, starting fresh",
			"path", l.cfg.SnapshotPath, "error", err)
	case ok:
		l.logger.Info("launcher: previous run",
			"cycles", snap.Metrics.TotalCycles,
			"errors", snap.Metrics.ErrorCount,
			"night_cycles", snap.Metrics.NightCycleCount,
			"shutdown_at", snap.ShutdownAt)
	}

	entries, err := l.jrnl.Recent(5)
	if err != nil {
		l.logger.Warn("launcher: lifecycle journal unreadable", "error", err)
		return
	}
	if len(entries) > 0 {
		l.logger.Info("launcher: last journaled lifecycle event",
			"type", entries[0].Type, "source", entries[0].Source, "at", entries[0].At)
	}
}

// loadSubsystems builds the fixed subsystem set. A constructor returning
// nil (collaborator not provided) or a failing load hook both degrade to a
// stand-in; boot never fails here.
func (l *Launcher) loadSubsystems(ctx context.Context) {
	for _, name := range subsystem.LoadOrder {
		sub := l.buildSubsystem(name)
		standin := sub == nil
		if !standin {
			if loader, ok := sub.(subsystem.Loader); ok {
				if err := l.load(ctx, name, loader); err != nil {
					l.logger.Warn("launcher: subsystem load failed, substituting stand-in",
						"subsystem", name, "error", err)
					standin = true
				}
			}
		}
		if standin {
			sub = subsystem.NewStandIn(name, l.logger)
		}

		meta := map[string]any{"standin": standin}
		if err := l.dir.Register(name, sub, meta, dependenciesOf(name)); err != nil {
			// Only an internal directory error lands here; keep going with
			// the remaining subsystems.
			l.logger.Error("launcher: register failed", "subsystem", name, "error", err)
			continue
		}
		l.loaded = append(l.loaded, sub)
	}
}

// load runs a subsystem's load hook, containing panics: a panicking loader
// is a load failure, not a boot failure.
func (l *Launcher) load(ctx context.Context, name string, loader subsystem.Loader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load panicked: %v", r)
		}
	}()
	return loader.Load(ctx)
}

func (l *Launcher) buildSubsystem(name string) subsystem.Subsystem {
	switch name {
	case subsystem.NameMemory:
		return subsystem.NewMemory(l.set.Memory)
	case subsystem.NamePlugins:
		return subsystem.NewPlugins(l.set.Plugins)
	case subsystem.NameIntelligence:
		return subsystem.NewIntelligence(l.set.Intelligence)
	case subsystem.NameSchedule:
		return subsystem.NewSchedule(l.set.Schedule)
	case subsystem.NameHub:
		return subsystem.NewHub(l.set.Hub)
	case subsystem.NamePresentation:
		return subsystem.NewPresentation(l.set.Presentation)
	}
	return nil
}

// dependenciesOf declares the dependency edges the resolver enforces.
// Stand-ins keep the same edges as real subsystems.
func dependenciesOf(name string) []string {
	switch name {
	case subsystem.NameIntelligence:
		return []string{subsystem.NameMemory, subsystem.NamePlugins}
	case subsystem.NameHub:
		return []string{subsystem.NamePlugins}
	default:
		return nil
	}
}

// activate invokes each subsystem's activation hook in registration order
// and drives it HEALTHY. Activation errors are contained: the subsystem is
// marked DEGRADED instead and the pass continues.
func (l *Launcher) activate(ctx context.Context) {
	for _, sub := range l.loaded {
		status := registry.StatusHealthy
		if err := l.runActivate(ctx, sub); err != nil {
			l.logger.Warn("launcher: activation failed, marking degraded",
				"subsystem", sub.Name(), "error", err)
			status = registry.StatusDegraded
		}
		if err := l.dir.UpdateStatus(sub.Name(), status, map[string]any{"health": sub.HealthStatus()}); err != nil {
			l.logger.Warn("launcher: status update failed", "subsystem", sub.Name(), "error", err)
		}
	}
	if err := l.dir.UpdateStatus(subsystem.NameKernel, registry.StatusHealthy, nil); err != nil {
		l.logger.Warn("launcher: status update failed", "subsystem", subsystem.NameKernel, "error", err)
	}
	// One synchronous pass so dependents of just-activated services are
	// promoted before validation reads their status.
	l.resolver.Pass()
}

func (l *Launcher) runActivate(ctx context.Context, sub subsystem.Subsystem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activation panicked: %v", r)
		}
	}()
	return sub.Activate(ctx)
}

// validate reads back the critical-service set. Missing or unhealthy
// entries are logged; the boot proceeds regardless.
func (l *Launcher) validate() {
	for _, name := range criticalServices {
		info, ok := l.dir.GetInfo(name)
		if !ok {
			l.logger.Warn("launcher: critical service absent", "service", name)
			continue
		}
		if info.Status != registry.StatusHealthy {
			l.logger.Warn("launcher: critical service not healthy",
				"service", name, "status", info.Status)
		}
	}
}

// supervise blocks until ctx is cancelled or a core component stops. The
// journal recorder runs alongside it in the same group.
func (l *Launcher) supervise(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.superviseLoop(gctx)
		return nil
	})
	g.Go(func() error {
		l.recordEvents(gctx)
		return nil
	})
	_ = g.Wait()
}

func (l *Launcher) superviseLoop(ctx context.Context) {
	ticker := l.clock.Ticker(l.cfg.SuperviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.dir.Closed() {
				l.logger.Warn("launcher: directory stopped, leaving steady state")
				return
			}
			if !l.loop.Running() {
				l.logger.Warn("launcher: kernel loop stopped, leaving steady state")
				return
			}
		}
	}
}

// recordEvents streams directory lifecycle events into the journal.
func (l *Launcher) recordEvents(ctx context.Context) {
	ch := l.dir.Subscribe()
	defer l.dir.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			l.jrnl.Record(ev)
		}
	}
}

// Shutdown tears the system down: kernel loop first, then the metrics
// snapshot, the monitor and resolver, the subsystems in reverse
// registration order (dependents before their dependencies), and finally
// the directory and journal. Individual subsystem shutdown errors are
// logged, never propagated. Idempotent: a second call is a no-op.
func (l *Launcher) Shutdown(ctx context.Context) {
	l.shutdownOnce.Do(func() {
		l.logger.Info("launcher: shutting down")

		l.loop.Stop(ctx)
		l.writeSnapshot()
		l.monitor.Stop()
		l.resolver.Stop()

		for i := len(l.loaded) - 1; i >= 0; i-- {
			sub := l.loaded[i]
			if err := l.dir.UpdateStatus(sub.Name(), registry.StatusStopping, nil); err != nil {
				l.logger.Debug("launcher: stopping status update failed",
					"subsystem", sub.Name(), "error", err)
			}
			if err := l.shutdownSubsystem(ctx, sub); err != nil {
				l.logger.Warn("launcher: subsystem shutdown failed",
					"subsystem", sub.Name(), "error", err)
			}
			if err := l.dir.Unregister(sub.Name()); err != nil {
				l.logger.Debug("launcher: unregister failed",
					"subsystem", sub.Name(), "error", err)
			}
		}

		l.jrnl.Mark("shutdown", map[string]any{
			"cycles": l.loop.Metrics().Snapshot().TotalCycles,
		})
		l.dir.Close()
		l.jrnl.Close()
		l.logger.Info("launcher: shutdown complete")
	})
}

func (l *Launcher) shutdownSubsystem(ctx context.Context, sub subsystem.Subsystem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return sub.Shutdown(ctx)
}

// emergencyStop is the best-effort bail-out for a failed boot: every loaded
// subsystem's EmergencyStop hook runs with errors and panics ignored, and
// no orderly shutdown is attempted because system state is untrustworthy.
func (l *Launcher) emergencyStop() {
	for _, sub := range l.loaded {
		stopper, ok := sub.(subsystem.EmergencyStopper)
		if !ok {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			stopper.EmergencyStop()
		}()
	}
	l.dir.Close()
	l.jrnl.Close()
}

func (l *Launcher) writeSnapshot() {
	snap := kernel.Snapshot{
		Metrics:    l.loop.Metrics().Snapshot(),
		ShutdownAt: l.clock.Now().UTC(),
	}
	if err := kernel.WriteSnapshot(l.cfg.SnapshotPath, snap); err != nil {
		l.logger.Warn("launcher: metrics snapshot not written", "error", err)
	}
}

// buildHooks wires the kernel loop's maintenance entry points to the
// collaborators. Nil collaborators leave the corresponding hook nil; the
// health check always runs since it only reads the directory.
func (l *Launcher) buildHooks() kernel.Hooks {
	hooks := kernel.Hooks{
		Heartbeat: func() {
			_ = l.dir.Heartbeat(subsystem.NameKernel)
		},
		HealthCheck: func(context.Context) error {
			for _, info := range l.dir.List(registry.StatusDegraded, registry.StatusFailed) {
				l.logger.Warn("launcher: periodic health check found unhealthy service",
					"service", info.Name, "status", info.Status)
			}
			return nil
		},
	}

	if l.set.Memory != nil {
		hooks.LightMemoryOptimize = l.set.Memory.LightOptimization
	}
	if l.set.Plugins != nil {
		hooks.PluginHealthCheck = func(ctx context.Context) error {
			if err := l.set.Plugins.HealthCheck(ctx); err != nil {
				return err
			}
			return l.set.Plugins.ExecuteScheduledTasks(ctx)
		}
	}

	hooks.NightSteps = l.nightSteps()
	return hooks
}

// nightSteps assembles the deep-maintenance pass: memory consolidation,
// plugin optimization, daily self-reflection, and temp-file cleanup. Steps
// for absent collaborators are skipped entirely.
func (l *Launcher) nightSteps() []kernel.NightStep {
	var steps []kernel.NightStep
	if l.set.Memory != nil {
		steps = append(steps, kernel.NightStep{
			Name: "memory_consolidation",
			Run:  l.set.Memory.DeepConsolidation,
		})
	}
	if l.set.Plugins != nil {
		steps = append(steps, kernel.NightStep{
			Name: "plugin_optimization",
			Run:  l.set.Plugins.Optimize,
		})
	}
	if l.set.Intelligence != nil {
		steps = append(steps, kernel.NightStep{
			Name: "self_reflection",
			Run:  l.set.Intelligence.ReflectOnDay,
		})
	}
	steps = append(steps, kernel.NightStep{
		Name: "temp_cleanup",
		Run:  cleanTempFiles,
	})
	return steps
}

// cleanTempFiles removes leftover shinkei temp files from the OS temp dir.
func cleanTempFiles(context.Context) error {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "shinkei-*"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// kernelService is the kernel loop's own directory record: its liveness
// probe reflects whether the loop goroutine is alive.
type kernelService struct {
	loop *kernel.Loop
}

func (k kernelService) Ping(context.Context) bool { return k.loop.Running() }
