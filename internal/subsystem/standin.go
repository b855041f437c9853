package subsystem

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ashita-ai/shinkei/internal/registry"
)

// StandIn substitutes for a subsystem that failed to load. It satisfies the
// full capability surface — heartbeats, status, messages, shutdown — so
// later boot phases never special-case "missing". It accepts everything
// and fails nothing.
type StandIn struct {
	name    string
	logger  *slog.Logger
	stopped atomic.Bool
}

// NewStandIn creates a stand-in for the named subsystem.
func NewStandIn(name string, logger *slog.Logger) *StandIn {
	return &StandIn{name: name, logger: logger}
}

func (s *StandIn) Name() string { return s.name }

func (s *StandIn) Activate(context.Context) error {
	s.logger.Debug("standin: activated", "subsystem", s.name)
	return nil
}

func (s *StandIn) Shutdown(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func (s *StandIn) HealthStatus() string { return "standin" }

// Ping reports alive until Shutdown is called.
func (s *StandIn) Ping(context.Context) bool { return !s.stopped.Load() }

// HandleMessage accepts and discards any payload.
func (s *StandIn) HandleMessage(_ context.Context, msg registry.Message) error {
	s.logger.Debug("standin: message discarded", "subsystem", s.name, "from", msg.From)
	return nil
}

// EmergencyStop is a no-op; the stand-in holds no state worth protecting.
func (s *StandIn) EmergencyStop() { s.stopped.Store(true) }
