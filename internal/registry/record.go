// Package registry implements the service directory: a catalog of registered
// services with status tracking, dependency-driven promotion and demotion,
// heartbeat-based liveness, and a lifecycle event bus.
package registry

import (
	"context"
	"time"
)

// Status is a service lifecycle state.
type Status string

const (
	// StatusStarting means the service is registered but not yet ready,
	// typically because a declared dependency is not HEALTHY.
	StatusStarting Status = "starting"
	// StatusHealthy means the service is ready and all dependencies are HEALTHY.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the service is running but impaired — a dependency
	// left HEALTHY, or its heartbeat went stale.
	StatusDegraded Status = "degraded"
	// StatusFailed means a fatal error or a negative liveness probe.
	StatusFailed Status = "failed"
	// StatusStopping means shutdown has been requested for the service.
	StatusStopping Status = "stopping"
)

// Valid reports whether s is one of the five defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusDegraded, StatusFailed, StatusStopping:
		return true
	}
	return false
}

// record is the directory's internal, mutex-guarded representation of one service.
type record struct {
	name          string
	instance      any
	status        Status
	registeredAt  time.Time
	lastHeartbeat time.Time
	metadata      map[string]any
	dependencies  []string

	// depDegraded marks a demotion made by the dependency resolver, as
	// opposed to one made by the heartbeat monitor. Only resolver-made
	// demotions are reversed when dependencies recover.
	depDegraded bool
}

// ServiceInfo is an immutable snapshot of a service record, safe to hold
// after the directory lock is released.
type ServiceInfo struct {
	Name          string
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Metadata      map[string]any
	Dependencies  []string
}

func (r *record) snapshot() ServiceInfo {
	info := ServiceInfo{
		Name:          r.name,
		Status:        r.status,
		RegisteredAt:  r.registeredAt,
		LastHeartbeat: r.lastHeartbeat,
	}
	if len(r.metadata) > 0 {
		info.Metadata = make(map[string]any, len(r.metadata))
		for k, v := range r.metadata {
			info.Metadata[k] = v
		}
	}
	if len(r.dependencies) > 0 {
		info.Dependencies = append([]string(nil), r.dependencies...)
	}
	return info
}

// Pinger is an optional capability: services implementing it are probed by
// the heartbeat monitor, and a negative probe forces the record to FAILED.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// MessageHandler is an optional capability: services implementing it receive
// directed and broadcast messages from the directory.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}
