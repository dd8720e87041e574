package providers

import (
	"context"

	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to
// workflow lifecycle events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.WorkflowEvent) error

	// Subscribe subscribes to events on a channel
	Subscribe(ctx context.Context, channel string) (<-chan *entities.WorkflowEvent, error)

	// Unsubscribe unsubscribes from a channel
	Unsubscribe(ctx context.Context, channel string) error

	// Close closes the event bus and all subscriptions
	Close() error
}

// EventChannel constants for different event streams
const (
	// EventChannelWorkflowUpdates is the channel carrying every workflow event
	EventChannelWorkflowUpdates = "workflow:updates"

	// EventChannelWorkflowPrefix is the prefix for workflow-specific channels
	EventChannelWorkflowPrefix = "workflow:"
)

// GetWorkflowChannel returns the channel name for a specific workflow
func GetWorkflowChannel(workflowID string) string {
	return EventChannelWorkflowPrefix + workflowID
}
