package shinkei

import "context"

// The interfaces below are the collaborator slots the launcher fills at
// boot. Each mirrors the internal subsystem contract exactly, so a value
// passed through an option satisfies the internal interface structurally —
// New() hands it straight to the launcher with no adapter.

// MemoryStore is the long-term memory subsystem.
// When provided via WithMemoryStore, it is loaded, activated, and
// maintained (light optimization every 30 minutes, deep consolidation
// during the night cycle). Directed messages to "memory" become queries.
type MemoryStore interface {
	Initialize(ctx context.Context) error
	Activate(ctx context.Context) error
	LightOptimization(ctx context.Context) error
	DeepConsolidation(ctx context.Context) error
	Optimize(ctx context.Context) error
	HealthStatus() string
	ProcessQuery(ctx context.Context, payload map[string]any) error
}

// PluginHost loads and runs plugins. Its HealthCheck doubles as the
// liveness probe for the "plugins" service, and scheduled plugin tasks run
// on the hourly maintenance tick.
type PluginHost interface {
	LoadAll(ctx context.Context) error
	ExecuteScheduledTasks(ctx context.Context) error
	Invoke(ctx context.Context, payload map[string]any) error
	Optimize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	HealthStatus() string
}

// IntelligenceEngine generates responses and reflections. The "intelligence"
// service depends on memory and plugins; it stays STARTING until both are
// HEALTHY. ReflectOnDay runs during the night cycle.
type IntelligenceEngine interface {
	Boot(ctx context.Context) error
	WakeUp(ctx context.Context) error
	ProcessThought(ctx context.Context, payload map[string]any) error
	ReflectOnDay(ctx context.Context) error
	HealthStatus() string
}

// ScheduleSource seeds the day's schedule during activation.
type ScheduleSource interface {
	InitializeSchedule(ctx context.Context) error
}

// Hub is the marketplace subsystem. It depends on plugins.
type Hub interface {
	Activate(ctx context.Context) error
	Search(ctx context.Context, query string, filters map[string]any) ([]map[string]any, error)
	Featured(ctx context.Context) ([]map[string]any, error)
	Shutdown(ctx context.Context) error
}

// Presentation is the fire-and-forget user-facing layer. Launch is started
// on its own goroutine during activation and must run until ctx is
// cancelled.
type Presentation interface {
	Launch(ctx context.Context)
}

// MessageHandler is the optional capability a registered service implements
// to receive directed and broadcast messages. Only HEALTHY services are
// delivered to.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// Pinger is the optional liveness capability the heartbeat monitor probes
// on every sweep. A false return drives the service to FAILED.
type Pinger interface {
	Ping(ctx context.Context) bool
}
