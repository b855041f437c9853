package subsystem

import (
	"context"

	"github.com/ashita-ai/shinkei/internal/registry"
)

// Fixed subsystem names, in load order.
const (
	NameMemory       = "memory"
	NamePlugins      = "plugins"
	NameIntelligence = "intelligence"
	NameSchedule     = "schedule"
	NameHub          = "hub"
	NamePresentation = "presentation"
	NameKernel       = "kernel"
)

// LoadOrder is the fixed order the launcher loads subsystems in.
var LoadOrder = []string{
	NameMemory, NamePlugins, NameIntelligence, NameSchedule, NameHub, NamePresentation,
}

// memoryAdapter binds a MemoryStore to the Subsystem contract. Directed
// messages become memory queries.
type memoryAdapter struct {
	store MemoryStore
}

// NewMemory wraps a memory store. Returns nil if store is nil, so the
// launcher substitutes a stand-in.
func NewMemory(store MemoryStore) Subsystem {
	if store == nil {
		return nil
	}
	return &memoryAdapter{store: store}
}

func (m *memoryAdapter) Name() string                      { return NameMemory }
func (m *memoryAdapter) Load(ctx context.Context) error    { return m.store.Initialize(ctx) }
func (m *memoryAdapter) Activate(ctx context.Context) error { return m.store.Activate(ctx) }
func (m *memoryAdapter) Shutdown(context.Context) error    { return nil }
func (m *memoryAdapter) HealthStatus() string              { return m.store.HealthStatus() }

func (m *memoryAdapter) HandleMessage(ctx context.Context, msg registry.Message) error {
	return m.store.ProcessQuery(ctx, msg.Payload)
}

// pluginAdapter binds a PluginHost. Its liveness probe delegates to the
// host's health check; a directed message invokes a plugin.
type pluginAdapter struct {
	host PluginHost
}

// NewPlugins wraps a plugin host, or returns nil for a nil host.
func NewPlugins(host PluginHost) Subsystem {
	if host == nil {
		return nil
	}
	return &pluginAdapter{host: host}
}

func (p *pluginAdapter) Name() string                   { return NamePlugins }
func (p *pluginAdapter) Load(ctx context.Context) error { return p.host.LoadAll(ctx) }
func (p *pluginAdapter) Activate(context.Context) error { return nil }
func (p *pluginAdapter) Shutdown(context.Context) error { return nil }
func (p *pluginAdapter) HealthStatus() string           { return p.host.HealthStatus() }

func (p *pluginAdapter) Ping(ctx context.Context) bool {
	return p.host.HealthCheck(ctx) == nil
}

func (p *pluginAdapter) HandleMessage(ctx context.Context, msg registry.Message) error {
	return p.host.Invoke(ctx, msg.Payload)
}

// intelligenceAdapter binds an IntelligenceEngine. Directed messages become
// thoughts to process.
type intelligenceAdapter struct {
	engine IntelligenceEngine
}

// NewIntelligence wraps an intelligence engine, or returns nil for a nil engine.
func NewIntelligence(engine IntelligenceEngine) Subsystem {
	if engine == nil {
		return nil
	}
	return &intelligenceAdapter{engine: engine}
}

func (i *intelligenceAdapter) Name() string                      { return NameIntelligence }
func (i *intelligenceAdapter) Load(ctx context.Context) error    { return i.engine.Boot(ctx) }
func (i *intelligenceAdapter) Activate(ctx context.Context) error { return i.engine.WakeUp(ctx) }
func (i *intelligenceAdapter) Shutdown(context.Context) error    { return nil }
func (i *intelligenceAdapter) HealthStatus() string              { return i.engine.HealthStatus() }

func (i *intelligenceAdapter) HandleMessage(ctx context.Context, msg registry.Message) error {
	return i.engine.ProcessThought(ctx, msg.Payload)
}

// scheduleAdapter binds a ScheduleSource. Its only work is seeding the
// schedule at activation.
type scheduleAdapter struct {
	source ScheduleSource
}

// NewSchedule wraps a schedule source, or returns nil for a nil source.
func NewSchedule(source ScheduleSource) Subsystem {
	if source == nil {
		return nil
	}
	return &scheduleAdapter{source: source}
}

func (s *scheduleAdapter) Name() string { return NameSchedule }
func (s *scheduleAdapter) Activate(ctx context.Context) error {
	return s.source.InitializeSchedule(ctx)
}
func (s *scheduleAdapter) Shutdown(context.Context) error { return nil }
func (s *scheduleAdapter) HealthStatus() string           { return "ok" }

// hubAdapter binds a Hub.
type hubAdapter struct {
	hub Hub
}

// NewHub wraps a marketplace hub, or returns nil for a nil hub.
func NewHub(hub Hub) Subsystem {
	if hub == nil {
		return nil
	}
	return &hubAdapter{hub: hub}
}

func (h *hubAdapter) Name() string                      { return NameHub }
func (h *hubAdapter) Activate(ctx context.Context) error { return h.hub.Activate(ctx) }
func (h *hubAdapter) Shutdown(ctx context.Context) error { return h.hub.Shutdown(ctx) }
func (h *hubAdapter) HealthStatus() string              { return "ok" }

// presentationAdapter binds the fire-and-forget presentation layer. Launch
// runs on its own goroutine tied to the activation context.
type presentationAdapter struct {
	ui Presentation
}

// NewPresentation wraps a presentation layer, or returns nil for a nil one.
func NewPresentation(ui Presentation) Subsystem {
	if ui == nil {
		return nil
	}
	return &presentationAdapter{ui: ui}
}

func (p *presentationAdapter) Name() string { return NamePresentation }
func (p *presentationAdapter) Activate(ctx context.Context) error {
	go p.ui.Launch(ctx)
	return nil
}
func (p *presentationAdapter) Shutdown(context.Context) error { return nil }
func (p *presentationAdapter) HealthStatus() string           { return "ok" }
