package registry

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Resolver promotes and demotes services based on their dependencies'
// statuses. It runs a single goroutine that waits for the directory's
// resolve trigger and then performs one pass over every record with
// dependencies; one trigger's consequences are fully applied before the
// next trigger is taken, and the resolver never polls.
type Resolver struct {
	dir    *Directory
	logger *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// NewResolver creates a dependency resolver for dir. Call Start to begin.
func NewResolver(dir *Directory, logger *slog.Logger) *Resolver {
	return &Resolver{
		dir:    dir,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins the resolver loop. Safe to call only once; subsequent calls
// are no-ops and log a warning.
func (r *Resolver) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("resolver: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.loop(loopCtx)
}

// Stop terminates the resolver loop and waits for it to exit.
func (r *Resolver) Stop() {
	if r.cancelLoop != nil {
		r.cancelLoop()
		<-r.done
	}
}

func (r *Resolver) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.dir.resolveCh:
			r.Pass()
		}
	}
}

// Pass re-evaluates every record with dependencies until no further
// transition applies. The pass is idempotent: running it twice in a row
// changes nothing. Exported for tests and for callers that need a
// synchronous resolution (the launcher's activation phase).
func (r *Resolver) Pass() {
	// A promotion can unblock a dependent in the same pass, so iterate to a
	// fixed point. Each sweep changes at least one record or stops, so the
	// sweep count is bounded by the record count.
	for {
		changed := false
		for _, info := range r.dir.List() {
			if len(info.Dependencies) == 0 {
				continue
			}
			switch info.Status {
			case StatusStarting, StatusDegraded:
				if r.dir.promoteIfReady(info.Name) {
					changed = true
				}
			case StatusHealthy:
				if r.dir.demoteForDeps(info.Name) {
					changed = true
				}
			}
		}
		if !changed {
			return
		}
	}
}

// promoteIfReady transitions name to HEALTHY if it is STARTING (or was
// demoted by the resolver itself) and every declared dependency is
// currently HEALTHY. The preconditions are re-checked under the record
// lock, so a concurrent re-registration or manual transition between the
// resolver's snapshot and this write simply wins.
func (d *Directory) promoteIfReady(name string) bool {
	d.mu.Lock()
	rec, ok := d.records[name]
	if !ok {
		d.mu.Unlock()
		return false
	}
	eligible := rec.status == StatusStarting || (rec.status == StatusDegraded && rec.depDegraded)
	if !eligible || !d.depsHealthyLocked(rec) {
		d.mu.Unlock()
		return false
	}
	old := rec.status
	rec.status = StatusHealthy
	rec.depDegraded = false
	rec.lastHeartbeat = d.clock.Now()
	d.mu.Unlock()

	d.logger.Info("registry: dependencies satisfied", "service", name, "from", old)
	d.publish(EventStatusChanged, name, "", map[string]any{
		"old_status": string(old),
		"new_status": string(StatusHealthy),
	})
	return true
}

// demoteForDeps transitions name from HEALTHY to DEGRADED if any declared
// dependency is missing or not HEALTHY, and marks the demotion as
// resolver-made so it can be reversed when the dependency recovers.
func (d *Directory) demoteForDeps(name string) bool {
	d.mu.Lock()
	rec, ok := d.records[name]
	if !ok || rec.status != StatusHealthy || d.depsHealthyLocked(rec) {
		d.mu.Unlock()
		return false
	}
	rec.status = StatusDegraded
	rec.depDegraded = true
	rec.lastHeartbeat = d.clock.Now()
	d.mu.Unlock()

	d.logger.Warn("registry: dependency unhealthy, demoting", "service", name)
	d.publish(EventStatusChanged, name, "", map[string]any{
		"old_status": string(StatusHealthy),
		"new_status": string(StatusDegraded),
	})
	return true
}

func (d *Directory) depsHealthyLocked(rec *record) bool {
	for _, dep := range rec.dependencies {
		depRec, ok := d.records[dep]
		if !ok || depRec.status != StatusHealthy {
			return false
		}
	}
	return true
}
