// Package shinkei is the public API for embedding the shinkei runtime: a
// service directory with dependency-aware status resolution, a prioritized
// kernel loop with periodic and nightly maintenance, and a phased launcher
// that boots the whole thing with graceful degradation.
//
// Consumers construct a System, plug in their subsystems, and run it:
//
//	sys, err := shinkei.New(
//	    shinkei.WithVersion(version),
//	    shinkei.WithLogger(logger),
//	    shinkei.WithMemoryStore(myStore),
//	    shinkei.WithPluginHost(myPlugins),
//	)
//	if err != nil { ... }
//	if err := sys.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shinkei (root) imports
// internal/*, but internal/* never imports shinkei (root). Public types
// (Task, ServiceInfo, Message) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package shinkei

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/shinkei/internal/config"
	"github.com/ashita-ai/shinkei/internal/kernel"
	"github.com/ashita-ai/shinkei/internal/launcher"
	"github.com/ashita-ai/shinkei/internal/registry"
	"github.com/ashita-ai/shinkei/internal/telemetry"
)

// System is the shinkei runtime lifecycle. Construct with New(), run with
// Run(). System has no public fields — use New() options to configure it.
type System struct {
	cfg          config.Config
	launcher     *launcher.Launcher
	otelShutdown func(context.Context) error
	clock        clock.Clock
	logger       *slog.Logger
	version      string

	subMu sync.Mutex
	subs  map[<-chan Event]<-chan registry.Event
}

// New wires the runtime: directory, resolver, heartbeat monitor, kernel
// loop, journal, and launcher. It does NOT start any goroutines — call
// Run().
func New(opts ...Option) (*System, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := o.clock
	if clk == nil {
		clk = clock.New()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.journalPath != "" {
		cfg.JournalPath = o.journalPath
	}
	if o.snapshotPath != "" {
		cfg.SnapshotPath = o.snapshotPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shinkei starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// The public collaborator interfaces mirror the internal contracts
	// method for method, so the values pass straight through.
	l := launcher.New(cfg, logger, clk, launcher.Set{
		Memory:       o.memory,
		Plugins:      o.plugins,
		Intelligence: o.intelligence,
		Schedule:     o.schedule,
		Hub:          o.hub,
		Presentation: o.presentation,
	})

	return &System{
		cfg:          cfg,
		launcher:     l,
		otelShutdown: otelShutdown,
		clock:        clk,
		logger:       logger,
		version:      version,
		subs:         make(map[<-chan Event]<-chan registry.Event),
	}, nil
}

// Run boots the system, supervises it until ctx is cancelled, then shuts
// down. On return, Shutdown has already happened — callers should not call
// Shutdown separately.
func (s *System) Run(ctx context.Context) error {
	err := s.launcher.Run(ctx)
	_ = s.otelShutdown(context.Background())
	if err != nil {
		return fmt.Errorf("shinkei: %w", err)
	}
	s.logger.Info("shinkei stopped")
	return nil
}

// Shutdown tears the system down without waiting for Run's context. Safe
// to call more than once.
func (s *System) Shutdown(ctx context.Context) {
	s.launcher.Shutdown(ctx)
	_ = s.otelShutdown(context.Background())
}

// AddTask enqueues a task for the kernel loop. Queues are unbounded —
// AddTask never blocks, and tasks enqueued before boot run once the loop
// starts.
func (s *System) AddTask(task Task) error {
	return s.launcher.Loop().AddTask(kernel.Task{
		ID:       task.ID,
		Type:     task.Type,
		Payload:  task.Payload,
		Priority: kernel.Priority(task.Priority),
	})
}

// Handle registers the handler for a task type. Must be called before Run.
func (s *System) Handle(taskType string, fn func(ctx context.Context, task Task) error) {
	s.launcher.Loop().Handle(taskType, func(ctx context.Context, task kernel.Task) error {
		return fn(ctx, toPublicTask(task))
	})
}

// HandleDefault registers the fallback handler for task types with no
// dedicated handler. Must be called before Run.
func (s *System) HandleDefault(fn func(ctx context.Context, task Task) error) {
	s.launcher.Loop().HandleDefault(func(ctx context.Context, task kernel.Task) error {
		return fn(ctx, toPublicTask(task))
	})
}

// Register adds an external service to the directory in STARTING status.
// The instance's optional capabilities (Pinger, MessageHandler) are probed
// by the heartbeat monitor and the message paths.
func (s *System) Register(name string, instance any, metadata map[string]any, dependencies []string) error {
	return s.launcher.Directory().Register(name, wrapInstance(instance), metadata, dependencies)
}

// Unregister removes a service from the directory.
func (s *System) Unregister(name string) error {
	return s.launcher.Directory().Unregister(name)
}

// UpdateStatus moves a service through its lifecycle. Services ready to
// serve report ServiceHealthy; the resolver may hold them in STARTING or
// demote them to DEGRADED based on their dependencies.
func (s *System) UpdateStatus(name string, status ServiceStatus, metadata map[string]any) error {
	return s.launcher.Directory().UpdateStatus(name, registry.Status(status), metadata)
}

// Heartbeat refreshes a service's liveness timestamp. Services that stop
// heartbeating are demoted to DEGRADED once the staleness threshold passes.
func (s *System) Heartbeat(name string) error {
	return s.launcher.Directory().Heartbeat(name)
}

// Get returns the registered instance only while the service is HEALTHY.
// "not found" and "not healthy" are indistinguishable to callers.
func (s *System) Get(name string) (any, bool) {
	instance, ok := s.launcher.Directory().Get(name)
	if !ok {
		return nil, false
	}
	return unwrapInstance(instance), true
}

// Service returns the named service's snapshot regardless of status.
func (s *System) Service(name string) (ServiceInfo, bool) {
	info, ok := s.launcher.Directory().GetInfo(name)
	if !ok {
		return ServiceInfo{}, false
	}
	return toPublicInfo(info), true
}

// Services lists all registered services sorted by name, optionally
// filtered by status.
func (s *System) Services(filter ...ServiceStatus) []ServiceInfo {
	internal := make([]registry.Status, len(filter))
	for i, f := range filter {
		internal[i] = registry.Status(f)
	}
	infos := s.launcher.Directory().List(internal...)
	out := make([]ServiceInfo, len(infos))
	for i, info := range infos {
		out[i] = toPublicInfo(info)
	}
	return out
}

// SendMessage delivers a payload to one HEALTHY service's message handler.
func (s *System) SendMessage(ctx context.Context, from, to string, payload map[string]any) error {
	return s.launcher.Directory().SendMessage(ctx, from, to, payload)
}

// Broadcast delivers a payload to every HEALTHY service with a message
// handler, except the sender. Returns the delivery count.
func (s *System) Broadcast(ctx context.Context, from string, payload map[string]any) int {
	return s.launcher.Directory().BroadcastMessage(ctx, from, payload)
}

// Subscribe returns a channel of directory lifecycle events. The bus drops
// events for subscribers that fall behind rather than blocking publishers.
// The channel closes on Unsubscribe or system shutdown.
func (s *System) Subscribe() <-chan Event {
	internal := s.launcher.Directory().Subscribe()
	out := make(chan Event, s.cfg.EventBufferSize)

	s.subMu.Lock()
	s.subs[out] = internal
	s.subMu.Unlock()

	go func() {
		defer close(out)
		for ev := range internal {
			out <- toPublicEvent(ev)
		}
	}()
	return out
}

// Unsubscribe removes a subscription made with Subscribe and closes its
// channel.
func (s *System) Unsubscribe(ch <-chan Event) {
	s.subMu.Lock()
	internal, ok := s.subs[ch]
	delete(s.subs, ch)
	s.subMu.Unlock()
	if ok {
		s.launcher.Directory().Unsubscribe(internal)
	}
}

// Status reports the kernel loop metrics and the full service directory.
func (s *System) Status() SystemStatus {
	loop := s.launcher.Loop()
	snap := loop.Metrics().Snapshot()

	depths := make(map[Priority]int)
	for prio, n := range loop.QueueSizes() {
		depths[Priority(prio)] = n
	}

	var uptime = s.clock.Since(snap.StartedAt)
	if snap.StartedAt.IsZero() {
		uptime = 0
	}

	return SystemStatus{
		Running:        loop.Running(),
		Version:        s.version,
		StartedAt:      snap.StartedAt,
		Uptime:         uptime,
		TotalCycles:    snap.TotalCycles,
		AvgCycleTime:   snap.AvgCycleTime,
		LastCycleTime:  snap.LastCycleTime,
		TaskErrors:     snap.ErrorCount,
		NightCycles:    snap.NightCycleCount,
		LastNightCycle: snap.LastNightCycle,
		QueueDepths:    depths,
		Services:       s.Services(),
	}
}

func toPublicTask(task kernel.Task) Task {
	return Task{
		ID:       task.ID,
		Type:     task.Type,
		Payload:  task.Payload,
		Priority: Priority(task.Priority),
	}
}

func toPublicInfo(info registry.ServiceInfo) ServiceInfo {
	return ServiceInfo{
		Name:          info.Name,
		Status:        ServiceStatus(info.Status),
		RegisteredAt:  info.RegisteredAt,
		LastHeartbeat: info.LastHeartbeat,
		Metadata:      info.Metadata,
		Dependencies:  info.Dependencies,
	}
}

func toPublicEvent(ev registry.Event) Event {
	return Event{
		ID:      ev.ID,
		Type:    EventType(ev.Type),
		Source:  ev.Source,
		Target:  ev.Target,
		Payload: ev.Payload,
		At:      ev.At,
	}
}

// wrapInstance adapts a public MessageHandler to the internal message
// contract. Instances without that capability pass through untouched, and
// Pinger needs no adapter because the method sets match.
func wrapInstance(instance any) any {
	handler, ok := instance.(MessageHandler)
	if !ok {
		return instance
	}
	if pinger, isPinger := instance.(Pinger); isPinger {
		return handlerPingerAdapter{handlerAdapter{handler, instance}, pinger}
	}
	return handlerAdapter{handler, instance}
}

// unwrapInstance undoes wrapInstance so Get hands back what the caller
// registered.
func unwrapInstance(instance any) any {
	switch a := instance.(type) {
	case handlerPingerAdapter:
		return a.original
	case handlerAdapter:
		return a.original
	}
	return instance
}

type handlerAdapter struct {
	handler  MessageHandler
	original any
}

func (a handlerAdapter) HandleMessage(ctx context.Context, msg registry.Message) error {
	return a.handler.HandleMessage(ctx, Message{
		ID:      msg.ID,
		From:    msg.From,
		To:      msg.To,
		Payload: msg.Payload,
		At:      msg.At,
	})
}

type handlerPingerAdapter struct {
	handlerAdapter
	pinger Pinger
}

func (a handlerPingerAdapter) Ping(ctx context.Context) bool {
	return a.pinger.Ping(ctx)
}
