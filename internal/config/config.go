// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Heartbeat settings.
	HeartbeatInterval time.Duration // how often the monitor scans records
	StaleThreshold    time.Duration // heartbeat age beyond which a HEALTHY record is demoted

	// Kernel loop settings.
	HighDrainLimit       int           // tasks drained from the high queue per cycle
	NormalDrainLimit     int           // tasks drained from the normal queue per cycle
	BackgroundDrainLimit int           // tasks drained from the background queue per cycle
	CycleBudget          time.Duration // target duration of one cycle; drives adaptive sleep
	MinSleep             time.Duration // floor for the adaptive sleep

	// Periodic maintenance cycle counts.
	HealthCheckEvery    uint64
	MemoryOptimizeEvery uint64
	PluginCheckEvery    uint64

	// Night cycle window (local wall clock).
	NightWindowStartHour int           // inclusive
	NightWindowEndHour   int           // inclusive
	NightMinInterval     time.Duration // minimum gap between night cycles

	// Launcher settings.
	SuperviseInterval time.Duration // steady-state supervision tick
	ShutdownTimeout   time.Duration // per-subsystem shutdown deadline

	// Event bus settings.
	EventBufferSize int // per-subscriber channel buffer

	// Persistence settings.
	SnapshotPath string // flat-file metrics snapshot written on shutdown
	JournalPath  string // SQLite lifecycle journal; empty disables it

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		HeartbeatInterval:    envDuration("SHINKEI_HEARTBEAT_INTERVAL", 60*time.Second),
		StaleThreshold:       envDuration("SHINKEI_STALE_THRESHOLD", 300*time.Second),
		HighDrainLimit:       envInt("SHINKEI_HIGH_DRAIN_LIMIT", 5),
		NormalDrainLimit:     envInt("SHINKEI_NORMAL_DRAIN_LIMIT", 3),
		BackgroundDrainLimit: envInt("SHINKEI_BACKGROUND_DRAIN_LIMIT", 1),
		CycleBudget:          envDuration("SHINKEI_CYCLE_BUDGET", time.Second),
		MinSleep:             envDuration("SHINKEI_MIN_SLEEP", 100*time.Millisecond),
		HealthCheckEvery:     uint64(envInt("SHINKEI_HEALTH_CHECK_EVERY", 300)),
		MemoryOptimizeEvery:  uint64(envInt("SHINKEI_MEMORY_OPTIMIZE_EVERY", 1800)),
		PluginCheckEvery:     uint64(envInt("SHINKEI_PLUGIN_CHECK_EVERY", 3600)),
		NightWindowStartHour: envInt("SHINKEI_NIGHT_WINDOW_START", 2),
		NightWindowEndHour:   envInt("SHINKEI_NIGHT_WINDOW_END", 4),
		NightMinInterval:     envDuration("SHINKEI_NIGHT_MIN_INTERVAL", 24*time.Hour),
		SuperviseInterval:    envDuration("SHINKEI_SUPERVISE_INTERVAL", 5*time.Second),
		ShutdownTimeout:      envDuration("SHINKEI_SHUTDOWN_TIMEOUT", 10*time.Second),
		EventBufferSize:      envInt("SHINKEI_EVENT_BUFFER_SIZE", 64),
		SnapshotPath:         envStr("SHINKEI_SNAPSHOT_PATH", "shinkei-metrics.json"),
		JournalPath:          envStr("SHINKEI_JOURNAL_PATH", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "shinkei"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: SHINKEI_HEARTBEAT_INTERVAL must be positive")
	}
	if c.StaleThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("config: SHINKEI_STALE_THRESHOLD must exceed the heartbeat interval")
	}
	if c.HighDrainLimit <= 0 || c.NormalDrainLimit <= 0 || c.BackgroundDrainLimit <= 0 {
		return fmt.Errorf("config: drain limits must be positive")
	}
	if c.HealthCheckEvery == 0 || c.MemoryOptimizeEvery == 0 || c.PluginCheckEvery == 0 {
		return fmt.Errorf("config: maintenance cycle counts must be positive")
	}
	if c.NightWindowStartHour < 0 || c.NightWindowStartHour > 23 ||
		c.NightWindowEndHour < 0 || c.NightWindowEndHour > 23 {
		return fmt.Errorf("config: night window hours must be in [0,23]")
	}
	if c.NightWindowEndHour < c.NightWindowStartHour {
		return fmt.Errorf("config: SHINKEI_NIGHT_WINDOW_END must not precede SHINKEI_NIGHT_WINDOW_START")
	}
	if c.NightMinInterval <= 0 {
		return fmt.Errorf("config: SHINKEI_NIGHT_MIN_INTERVAL must be positive")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("config: SHINKEI_EVENT_BUFFER_SIZE must be positive")
	}
	if c.SnapshotPath == "" {
		return fmt.Errorf("config: SHINKEI_SNAPSHOT_PATH is required")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
