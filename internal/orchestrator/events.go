package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/events/bus"
)

// EventSubjectPrefix is the subject namespace for gateway lifecycle
// events on the event bus.
const EventSubjectPrefix = "meshgate.events."

// publishEvent emits a lifecycle event on the bus. Publishing is
// best-effort: bus failures are logged and never affect coordination.
func (o *Orchestrator) publishEvent(ctx context.Context, eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, o.gatewayID, data)
	if err := o.bus.Publish(ctx, EventSubjectPrefix+eventType, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
