package subsystem

import "context"

// The interfaces below are the boundary to out-of-scope collaborators: the
// memory store's algorithms, plugin discovery, response generation, and the
// presentation layer are all consumed through these and never implemented
// here.

// MemoryStore is the long-term memory subsystem.
type MemoryStore interface {
	Initialize(ctx context.Context) error
	Activate(ctx context.Context) error
	LightOptimization(ctx context.Context) error
	DeepConsolidation(ctx context.Context) error
	Optimize(ctx context.Context) error
	HealthStatus() string
	ProcessQuery(ctx context.Context, payload map[string]any) error
}

// PluginHost loads and runs plugins.
type PluginHost interface {
	LoadAll(ctx context.Context) error
	ExecuteScheduledTasks(ctx context.Context) error
	Invoke(ctx context.Context, payload map[string]any) error
	Optimize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	HealthStatus() string
}

// IntelligenceEngine generates responses and reflections.
type IntelligenceEngine interface {
	Boot(ctx context.Context) error
	WakeUp(ctx context.Context) error
	ProcessThought(ctx context.Context, payload map[string]any) error
	ReflectOnDay(ctx context.Context) error
	HealthStatus() string
}

// ScheduleSource seeds the day's schedule.
type ScheduleSource interface {
	InitializeSchedule(ctx context.Context) error
}

// Hub is the marketplace subsystem.
type Hub interface {
	Activate(ctx context.Context) error
	Search(ctx context.Context, query string, filters map[string]any) ([]map[string]any, error)
	Featured(ctx context.Context) ([]map[string]any, error)
	Shutdown(ctx context.Context) error
}

// Presentation is the fire-and-forget user-facing layer. Launch must not
// block; it runs until ctx is cancelled.
type Presentation interface {
	Launch(ctx context.Context)
}
