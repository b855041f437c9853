// Package subsystem defines the capability contracts between the launcher
// and the long-running subsystems it supervises, the interfaces of the
// external collaborators those subsystems wrap, and a stand-in used when a
// real subsystem cannot be loaded.
package subsystem

import "context"

// Subsystem is the minimal capability contract every supervised subsystem
// satisfies: it can be activated, report health, and shut down. The
// launcher depends only on this interface — a real subsystem and a
// stand-in are indistinguishable to later boot phases.
type Subsystem interface {
	Name() string
	Activate(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthStatus() string
}

// Loader is an optional capability: subsystems with load-time work (memory
// initialization, plugin discovery, engine boot) implement it. Load runs in
// the launcher's load phase; a failure there substitutes a stand-in.
type Loader interface {
	Load(ctx context.Context) error
}

// EmergencyStopper is an optional capability used only on the emergency
// shutdown path, where system state is assumed untrustworthy and errors
// are ignored.
type EmergencyStopper interface {
	EmergencyStop()
}
