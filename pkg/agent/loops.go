package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/client"
	"github.com/cuemby/tunnel-agent/pkg/events"
	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/runtime"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// CommandApplier executes one control-plane command
type CommandApplier interface {
	ApplyCommand(ctx context.Context, cmd types.Command) error
}

// Converger converges the tunnel workload to its desired state
type Converger interface {
	Converge(ctx context.Context) error
}

// runEvery runs fn immediately and then every interval until ctx is done
func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// CommandDispatcher polls pending commands and applies them in order
type CommandDispatcher struct {
	cp       ControlPlane
	identity *Identity
	applier  CommandApplier
	interval time.Duration
	logger   zerolog.Logger
}

// NewCommandDispatcher creates a command dispatcher
func NewCommandDispatcher(cp ControlPlane, identity *Identity, applier CommandApplier, interval time.Duration) *CommandDispatcher {
	return &CommandDispatcher{
		cp:       cp,
		identity: identity,
		applier:  applier,
		interval: interval,
		logger:   log.WithComponent("commands"),
	}
}

// Run polls until ctx is done
func (d *CommandDispatcher) Run(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.interval).Msg("Command dispatcher started")
	return runEvery(ctx, d.interval, d.poll)
}

func (d *CommandDispatcher) poll(ctx context.Context) {
	agentID := d.identity.Get()
	if agentID == "" {
		return
	}

	cmds, err := d.cp.PollCommands(ctx, agentID)
	if err != nil {
		d.logger.Error().Err(err).Msg("Could not poll commands")
		return
	}

	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return
		}
		if err := d.applier.ApplyCommand(ctx, cmd); err != nil {
			d.logger.Error().Err(err).Str("action", cmd.Action).Msg("Command failed")
			continue
		}
		d.logger.Info().Str("action", cmd.Action).Msg("Command applied")
	}
}

// HealthMonitor periodically converges the tunnel workload
type HealthMonitor struct {
	converger Converger
	interval  time.Duration
	logger    zerolog.Logger
}

// NewHealthMonitor creates a health monitor
func NewHealthMonitor(converger Converger, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		converger: converger,
		interval:  interval,
		logger:    log.WithComponent("health_monitor"),
	}
}

// Run converges until ctx is done
func (m *HealthMonitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.interval).Msg("Tunnel health monitor started")
	return runEvery(ctx, m.interval, func(ctx context.Context) {
		if err := m.converger.Converge(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Tunnel health check failed")
		}
	})
}

// StatusReporter sends a heartbeat followed by the full list of enabled
// workloads every interval
type StatusReporter struct {
	reporter *Reporter
	source   runtime.Manager
	interval time.Duration
	logger   zerolog.Logger
}

// NewStatusReporter creates a status reporter
func NewStatusReporter(reporter *Reporter, source runtime.Manager, interval time.Duration) *StatusReporter {
	return &StatusReporter{
		reporter: reporter,
		source:   source,
		interval: interval,
		logger:   log.WithComponent("status_reporter"),
	}
}

// Run reports until ctx is done
func (s *StatusReporter) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("Status reporter started")
	return runEvery(ctx, s.interval, s.report)
}

func (s *StatusReporter) report(ctx context.Context) {
	if !s.reporter.Ready() {
		return
	}

	if err := s.reporter.ReportEvent(ctx, types.EventHeartbeat, nil); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send heartbeat")
	}

	workloads, err := s.source.ListEnabled(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list enabled workloads")
		return
	}

	containers := make([]map[string]any, 0, len(workloads))
	for i := range workloads {
		containers = append(containers, workloads[i].Payload())
	}
	s.logger.Debug().Int("containers", len(containers)).Msg("Sending status report")

	if err := s.reporter.ReportEvent(ctx, types.EventStatusReport, map[string]any{"containers": containers}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send status report")
	}
}

// EventForwarder reports every domain event published on the broker
type EventForwarder struct {
	cp       ControlPlane
	identity *Identity
	logger   zerolog.Logger
}

// NewEventForwarder creates an event forwarder
func NewEventForwarder(cp ControlPlane, identity *Identity) *EventForwarder {
	return &EventForwarder{
		cp:       cp,
		identity: identity,
		logger:   log.WithComponent("event_forwarder"),
	}
}

// Run forwards events from sub until ctx is done or sub is closed
func (f *EventForwarder) Run(ctx context.Context, sub events.Subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *EventForwarder) forward(ctx context.Context, ev *events.Event) {
	agentID := f.identity.Get()
	if agentID == "" {
		f.logger.Debug().Str("type", ev.Type).Msg("No agent id yet, skipping event")
		return
	}

	f.logger.Info().
		Str("type", ev.Type).
		Str("workload", ev.Workload.Name).
		Msg("Forwarding workload event")

	err := f.cp.ReportEvent(ctx, agentID, client.EventReport{
		Type:      ev.Type,
		Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
		EventID:   ev.ID,
		Container: ev.Workload.Payload(),
	})
	if err != nil {
		f.logger.Error().Err(err).Str("type", ev.Type).Msg("Failed to report event")
	}
}
