package shinkei

import (
	"log/slog"

	"github.com/benbjohnson/clock"
)

// Option configures a System.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger       *slog.Logger
	version      string
	clock        clock.Clock
	journalPath  string
	snapshotPath string
	memory       MemoryStore
	plugins      PluginHost
	intelligence IntelligenceEngine
	schedule     ScheduleSource
	hub          Hub
	presentation Presentation
}

// WithLogger sets the structured logger for the System.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in status and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithClock replaces the wall clock. Tests use clock.NewMock to drive
// maintenance schedules and the night window deterministically.
func WithClock(clk clock.Clock) Option {
	return func(o *resolvedOptions) { o.clock = clk }
}

// WithJournalPath overrides the SQLite lifecycle journal location from
// config (SHINKEI_JOURNAL_PATH env var). Empty keeps the journal disabled.
func WithJournalPath(path string) Option {
	return func(o *resolvedOptions) { o.journalPath = path }
}

// WithSnapshotPath overrides where the shutdown metrics snapshot is
// written (SHINKEI_SNAPSHOT_PATH env var).
func WithSnapshotPath(path string) Option {
	return func(o *resolvedOptions) { o.snapshotPath = path }
}

// WithMemoryStore provides the long-term memory subsystem.
// Without it the "memory" slot boots as a stand-in.
func WithMemoryStore(store MemoryStore) Option {
	return func(o *resolvedOptions) { o.memory = store }
}

// WithPluginHost provides the plugin subsystem.
// Without it the "plugins" slot boots as a stand-in.
func WithPluginHost(host PluginHost) Option {
	return func(o *resolvedOptions) { o.plugins = host }
}

// WithIntelligenceEngine provides the response-generation subsystem.
// Without it the "intelligence" slot boots as a stand-in.
func WithIntelligenceEngine(engine IntelligenceEngine) Option {
	return func(o *resolvedOptions) { o.intelligence = engine }
}

// WithScheduleSource provides the schedule seeding subsystem.
func WithScheduleSource(source ScheduleSource) Option {
	return func(o *resolvedOptions) { o.schedule = source }
}

// WithHub provides the marketplace subsystem.
func WithHub(hub Hub) Option {
	return func(o *resolvedOptions) { o.hub = hub }
}

// WithPresentation provides the user-facing layer, launched fire-and-forget
// during activation.
func WithPresentation(ui Presentation) Option {
	return func(o *resolvedOptions) { o.presentation = ui }
}
