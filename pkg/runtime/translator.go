package runtime

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// ParseEventType maps a raw engine action to a domain event name
func ParseEventType(action string) string {
	switch action {
	case "start", "create":
		return types.EventContainerStart
	case "stop", "die", "kill":
		return types.EventContainerStop
	case "update":
		return types.EventContainerUpdate
	default:
		return "container_" + action
	}
}

// Translator turns raw engine events into domain events. Lookups that fail
// are logged and produce no event; they never end the event stream.
type Translator struct {
	engine Engine
	info   types.ModeInfo
	logger zerolog.Logger
}

// NewTranslator creates a translator scoped to the local node of info
func NewTranslator(engine Engine, info types.ModeInfo) *Translator {
	return &Translator{
		engine: engine,
		info:   info,
		logger: log.WithMode("translator", string(info.Mode)),
	}
}

// Translate returns the domain events for ev, possibly none
func (t *Translator) Translate(ctx context.Context, ev EngineEvent) []types.DomainEvent {
	var out []types.DomainEvent
	switch ev.Type {
	case "container":
		out = t.containerEvent(ctx, ev)
	case "service":
		out = t.serviceEvent(ctx, ev)
	case "task":
		out = t.taskEvent(ctx, ev)
	}

	for _, de := range out {
		metrics.EngineEventsTotal.WithLabelValues(de.Type).Inc()
	}
	return out
}

func (t *Translator) containerEvent(ctx context.Context, ev EngineEvent) []types.DomainEvent {
	if ev.ActorID == "" {
		return nil
	}
	eventType := ParseEventType(ev.Action)

	rec, err := t.engine.InspectContainer(ctx, ev.ActorID)
	if err == nil {
		if !types.IsEnabled(rec.Labels) {
			return nil
		}
		d := containerDescriptor(rec)
		t.logger.Info().Str("event", eventType).Str("workload", d.Name).Msg("Processing container event")
		return []types.DomainEvent{{Type: eventType, Workload: d}}
	}
	if !IsNotFound(err) {
		t.logger.Error().Err(err).Str("container_id", ev.ActorID).Msg("Error processing container event")
		return nil
	}

	// Gone before we could look at it: rebuild what the event itself carries
	if !types.IsEnabled(ev.Attributes) {
		return nil
	}
	d := types.WorkloadDescriptor{
		ID:     ev.ActorID,
		Name:   attrOr(ev.Attributes, "name", StatusUnknown),
		Labels: copyLabels(ev.Attributes),
		Status: types.StatusRemoved,
		Image:  attrOr(ev.Attributes, "image", StatusUnknown),
	}
	t.logger.Info().Str("event", eventType).Str("workload", d.Name).Msg("Processing event for removed container")
	return []types.DomainEvent{{Type: eventType, Workload: d}}
}

func (t *Translator) serviceEvent(ctx context.Context, ev EngineEvent) []types.DomainEvent {
	if ev.ActorID == "" {
		return nil
	}

	svc, err := t.engine.InspectService(ctx, ev.ActorID)
	if IsNotFound(err) {
		t.logger.Warn().Str("service_id", ev.ActorID).Msg("Service not found for event processing")
		return nil
	}
	if err != nil {
		t.logger.Error().Err(err).Str("service_id", ev.ActorID).Msg("Error processing service event")
		return nil
	}
	if !types.IsEnabled(svc.Labels) {
		return nil
	}

	tasks, err := t.engine.ListTasks(ctx, TaskFilter{ServiceID: svc.ID})
	if err != nil {
		t.logger.Error().Err(err).Str("service_id", svc.ID).Msg("Error listing tasks for service event")
		return nil
	}

	eventType := ParseEventType(ev.Action)
	var out []types.DomainEvent
	for _, task := range filterNode(tasks, t.info.NodeID) {
		d := taskDescriptor(svc, task, svc.Name)
		if task.ContainerID == "" {
			d.ID = svc.ID
		}
		if d.Status == "" {
			d.Status = StatusUnknown
		}
		t.logger.Info().Str("event", eventType).Str("workload", d.Name).Msg("Processing service event")
		out = append(out, types.DomainEvent{Type: eventType, Workload: d})
	}
	return out
}

func (t *Translator) taskEvent(ctx context.Context, ev EngineEvent) []types.DomainEvent {
	nodeID := ev.Attributes[types.LabelSwarmNodeID]
	if nodeID == "" || nodeID != t.info.NodeID {
		return nil
	}

	serviceName := ev.Attributes[types.LabelSwarmServiceName]
	if serviceName == "" || ev.ActorID == "" {
		return nil
	}

	var eventType string
	switch ev.Action {
	case "start":
		eventType = types.EventContainerStart
	case "stop", "complete":
		eventType = types.EventContainerStop
	default:
		return nil
	}

	svc, err := t.engine.InspectService(ctx, serviceName)
	if IsNotFound(err) {
		t.logger.Warn().Str("service", serviceName).Msg("Service not found for task event")
		return nil
	}
	if err != nil {
		t.logger.Error().Err(err).Str("service", serviceName).Msg("Error processing task event")
		return nil
	}
	if !types.IsEnabled(svc.Labels) {
		return nil
	}

	tasks, err := t.engine.ListTasks(ctx, TaskFilter{TaskID: ev.ActorID})
	if err != nil {
		t.logger.Error().Err(err).Str("task_id", ev.ActorID).Msg("Error listing task for task event")
		return nil
	}
	if len(tasks) == 0 {
		return nil
	}

	task := tasks[0]
	task.ID = ev.ActorID
	task.NodeID = nodeID
	d := taskDescriptor(svc, task, serviceName)
	return []types.DomainEvent{{Type: eventType, Workload: d}}
}

func attrOr(attrs map[string]string, key, fallback string) string {
	if v, ok := attrs[key]; ok && v != "" {
		return v
	}
	return fallback
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
