package shinkei

import (
	"time"

	"github.com/google/uuid"
)

// Priority selects which kernel queue a task lands in. Higher priorities
// get a larger share of each loop cycle.
type Priority string

const (
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// Task is a unit of work for the kernel loop. ID may be left zero; the
// loop assigns one on enqueue.
type Task struct {
	ID       uuid.UUID
	Type     string
	Payload  map[string]any
	Priority Priority
}

// ServiceStatus is a service's position in the lifecycle state machine.
type ServiceStatus string

const (
	ServiceStarting ServiceStatus = "starting"
	ServiceHealthy  ServiceStatus = "healthy"
	ServiceDegraded ServiceStatus = "degraded"
	ServiceFailed   ServiceStatus = "failed"
	ServiceStopping ServiceStatus = "stopping"
)

// ServiceInfo is the public snapshot of one directory record.
// No internal package imports — safe to use from outside the module.
type ServiceInfo struct {
	Name          string
	Status        ServiceStatus
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Metadata      map[string]any
	Dependencies  []string
}

// EventType discriminates lifecycle events on the directory bus.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventUnregistering EventType = "unregistering"
	EventUnregistered  EventType = "unregistered"
	EventStatusChanged EventType = "status_changed"
	EventMessage       EventType = "message"
	EventShutdown      EventType = "shutdown"
)

// Event is an ephemeral lifecycle notification. Events are never persisted;
// subscribers that need history must record them as they arrive.
type Event struct {
	ID      uuid.UUID
	Type    EventType
	Source  string
	Target  string
	Payload map[string]any
	At      time.Time
}

// Message is a directed or broadcast payload delivered to a service's
// message handler.
type Message struct {
	ID      uuid.UUID
	From    string
	To      string // empty for broadcasts
	Payload map[string]any
	At      time.Time
}

// SystemStatus aggregates the kernel loop metrics and the service
// directory into one report.
type SystemStatus struct {
	Running        bool
	Version        string
	StartedAt      time.Time
	Uptime         time.Duration
	TotalCycles    uint64
	AvgCycleTime   time.Duration
	LastCycleTime  time.Duration
	TaskErrors     uint64
	NightCycles    uint64
	LastNightCycle time.Time
	QueueDepths    map[Priority]int
	Services       []ServiceInfo
}
