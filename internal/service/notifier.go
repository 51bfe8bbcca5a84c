package service

import "context"

// Task event types.
const (
	EventApprovalRequired = "task_approval_required"
	EventApproved         = "task_approved"
	EventRejected         = "task_rejected"
	EventForwarded        = "task_forwarded"
)

// EventPublisher delivers task events outside the process. Implementations
// must not block the caller for long and must swallow their own failures.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, eventType, taskID, actorID string, recipients []string, payload map[string]any)
}

type noopPublisher struct{}

func (noopPublisher) PublishTaskEvent(context.Context, string, string, string, []string, map[string]any) {}

// notify logs the event and hands it to the publisher. Called only after the
// transition has committed.
func (s *ApprovalEngine) notify(ctx context.Context, eventType, taskID, actorID, recipient string, payload map[string]any) {
	if recipient == "" {
		return
	}
	s.log.Info().
		Str("event", eventType).
		Str("task_id", taskID).
		Str("actor_id", actorID).
		Str("recipient_id", recipient).
		Msg("Task notification")
	s.publisher.PublishTaskEvent(ctx, eventType, taskID, actorID, []string{recipient}, payload)
}
