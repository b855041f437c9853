package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shinkei/internal/telemetry"
)

// Directory is the service catalog. All mutation of service records goes
// through Register, Unregister, UpdateStatus, and Heartbeat — the heartbeat
// monitor, the dependency resolver, and external registrants share it, so
// every access takes the record lock.
type Directory struct {
	logger *slog.Logger
	clock  clock.Clock
	bus    *Bus

	mu      sync.RWMutex
	records map[string]*record
	closed  bool

	// resolveCh is a coalescing trigger for the dependency resolver: a
	// pending trigger means "at least one status changed since the last
	// pass". The pass re-scans every record, so collapsed triggers lose
	// nothing.
	resolveCh chan struct{}

	closeOnce sync.Once
}

// New creates an empty directory. bufSize is the per-subscriber event buffer.
func New(logger *slog.Logger, clk clock.Clock, bufSize int) *Directory {
	d := &Directory{
		logger:    logger,
		clock:     clk,
		bus:       NewBus(logger, bufSize),
		records:   make(map[string]*record),
		resolveCh: make(chan struct{}, 1),
	}
	d.registerMetrics()
	return d
}

// Register adds a service to the directory in the STARTING state.
// Re-registering an existing name overwrites the previous record; this is
// logged but is not an error. Fails only on internal error (closed
// directory, empty name).
func (d *Directory) Register(name string, instance any, metadata map[string]any, dependencies []string) error {
	if name == "" {
		return fmt.Errorf("registry: register: name must not be empty")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("registry: register %q: directory is closed", name)
	}
	if _, exists := d.records[name]; exists {
		d.logger.Warn("registry: overwriting existing registration", "service", name)
	}

	now := d.clock.Now()
	rec := &record{
		name:          name,
		instance:      instance,
		status:        StatusStarting,
		registeredAt:  now,
		lastHeartbeat: now,
		dependencies:  append([]string(nil), dependencies...),
	}
	if len(metadata) > 0 {
		rec.metadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			rec.metadata[k] = v
		}
	}
	d.records[name] = rec
	d.mu.Unlock()

	d.logger.Info("registry: service registered", "service", name, "dependencies", dependencies)
	d.publish(EventRegistered, name, "", map[string]any{"dependencies": dependencies})
	d.triggerResolve()
	return nil
}

// Unregister removes a service. Subscribers see an "unregistering" event
// before removal and an "unregistered" event after.
func (d *Directory) Unregister(name string) error {
	d.mu.Lock()
	rec, ok := d.records[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("registry: unregister %q: not registered", name)
	}
	rec.status = StatusStopping
	d.mu.Unlock()

	d.publish(EventUnregistering, name, "", nil)

	d.mu.Lock()
	delete(d.records, name)
	d.mu.Unlock()

	d.logger.Info("registry: service unregistered", "service", name)
	d.publish(EventUnregistered, name, "", nil)
	d.triggerResolve()
	return nil
}

// Get returns the service instance only if the service is currently HEALTHY.
// A missing service and an unhealthy service are indistinguishable to the
// caller — both return false.
func (d *Directory) Get(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.records[name]
	if !ok || rec.status != StatusHealthy {
		return nil, false
	}
	return rec.instance, true
}

// GetInfo returns a snapshot of the named record regardless of its status.
func (d *Directory) GetInfo(name string) (ServiceInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.records[name]
	if !ok {
		return ServiceInfo{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of all records, or only those matching the given
// statuses when a filter is supplied. Results are sorted by name.
func (d *Directory) List(filter ...Status) []ServiceInfo {
	want := make(map[Status]bool, len(filter))
	for _, s := range filter {
		want[s] = true
	}

	d.mu.RLock()
	infos := make([]ServiceInfo, 0, len(d.records))
	for _, rec := range d.records {
		if len(want) > 0 && !want[rec.status] {
			continue
		}
		infos = append(infos, rec.snapshot())
	}
	d.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// UpdateStatus transitions a service to newStatus and refreshes its
// heartbeat. It is idempotent: a status_changed event is broadcast only when
// the status actually changes. Optional metadata is merged into the record.
func (d *Directory) UpdateStatus(name string, newStatus Status, metadata map[string]any) error {
	if !newStatus.Valid() {
		return fmt.Errorf("registry: update %q: invalid status %q", name, newStatus)
	}

	d.mu.Lock()
	rec, ok := d.records[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("registry: update %q: not registered", name)
	}

	old := rec.status
	rec.status = newStatus
	rec.lastHeartbeat = d.clock.Now()
	if len(metadata) > 0 {
		if rec.metadata == nil {
			rec.metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			rec.metadata[k] = v
		}
	}
	// A manual transition supersedes any resolver bookkeeping; the resolver
	// re-marks depDegraded on its own demotions.
	if newStatus != StatusDegraded {
		rec.depDegraded = false
	}
	d.mu.Unlock()

	if old == newStatus {
		return nil
	}

	d.logger.Info("registry: status changed", "service", name, "from", old, "to", newStatus)
	d.publish(EventStatusChanged, name, "", map[string]any{
		"old_status": string(old),
		"new_status": string(newStatus),
	})
	d.triggerResolve()
	return nil
}

// Heartbeat refreshes the named service's liveness timestamp without
// touching its status.
func (d *Directory) Heartbeat(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[name]
	if !ok {
		return fmt.Errorf("registry: heartbeat %q: not registered", name)
	}
	rec.lastHeartbeat = d.clock.Now()
	return nil
}

// SendMessage delivers a payload to the named service. The target must be
// registered and implement MessageHandler.
func (d *Directory) SendMessage(ctx context.Context, from, to string, payload map[string]any) error {
	d.mu.RLock()
	rec, ok := d.records[to]
	var instance any
	if ok {
		instance = rec.instance
	}
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("registry: send to %q: not registered", to)
	}
	handler, ok := instance.(MessageHandler)
	if !ok {
		return fmt.Errorf("registry: send to %q: service does not accept messages", to)
	}

	msg := Message{
		ID:      uuid.New(),
		From:    from,
		To:      to,
		Payload: payload,
		At:      d.clock.Now(),
	}
	if err := handler.HandleMessage(ctx, msg); err != nil {
		return fmt.Errorf("registry: send to %q: %w", to, err)
	}
	d.publish(EventMessage, from, to, payload)
	return nil
}

// BroadcastMessage delivers a payload to every HEALTHY service that accepts
// messages. Individual delivery failures are logged, not returned. The
// number of successful deliveries is returned.
func (d *Directory) BroadcastMessage(ctx context.Context, from string, payload map[string]any) int {
	type target struct {
		name    string
		handler MessageHandler
	}

	d.mu.RLock()
	targets := make([]target, 0, len(d.records))
	for _, rec := range d.records {
		if rec.status != StatusHealthy || rec.name == from {
			continue
		}
		if h, ok := rec.instance.(MessageHandler); ok {
			targets = append(targets, target{name: rec.name, handler: h})
		}
	}
	d.mu.RUnlock()

	msg := Message{
		ID:      uuid.New(),
		From:    from,
		Payload: payload,
		At:      d.clock.Now(),
	}

	delivered := 0
	for _, t := range targets {
		if err := t.handler.HandleMessage(ctx, msg); err != nil {
			d.logger.Warn("registry: broadcast delivery failed",
				"from", from, "to", t.name, "error", err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		d.publish(EventMessage, from, "", payload)
	}
	return delivered
}

// Subscribe returns a channel of lifecycle events. Callers must Unsubscribe
// when done.
func (d *Directory) Subscribe() <-chan Event {
	return d.bus.Subscribe()
}

// Unsubscribe removes and closes an event channel obtained from Subscribe.
func (d *Directory) Unsubscribe(ch <-chan Event) {
	d.bus.Unsubscribe(ch)
}

// Close broadcasts a shutdown event, closes all subscriber channels, and
// rejects further registrations. Idempotent.
func (d *Directory) Close() {
	d.closeOnce.Do(func() {
		d.publish(EventShutdown, "", "", nil)

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.bus.Close()
		d.logger.Info("registry: directory closed")
	})
}

// Closed reports whether Close has been called.
func (d *Directory) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Directory) publish(typ EventType, source, target string, payload map[string]any) {
	d.bus.Publish(Event{
		ID:      uuid.New(),
		Type:    typ,
		Source:  source,
		Target:  target,
		Payload: payload,
		At:      d.clock.Now(),
	})
}

// triggerResolve nudges the dependency resolver. Non-blocking: a pending
// trigger already covers this change.
func (d *Directory) triggerResolve() {
	select {
	case d.resolveCh <- struct{}{}:
	default:
	}
}

// registerMetrics registers an observable OTEL gauge for record counts by status.
func (d *Directory) registerMetrics() {
	meter := telemetry.Meter("shinkei/registry")

	_, _ = meter.Int64ObservableGauge("shinkei.registry.services",
		metric.WithDescription("Number of registered services by status"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			counts := make(map[Status]int64)
			d.mu.RLock()
			for _, rec := range d.records {
				counts[rec.status]++
			}
			d.mu.RUnlock()
			for status, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	)
}

// scanEntry pairs a record snapshot with its instance for the heartbeat monitor.
type scanEntry struct {
	info     ServiceInfo
	instance any
}

func (d *Directory) scanRecords() []scanEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]scanEntry, 0, len(d.records))
	for _, rec := range d.records {
		entries = append(entries, scanEntry{info: rec.snapshot(), instance: rec.instance})
	}
	return entries
}
