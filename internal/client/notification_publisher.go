package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Publisher is the subset of *nats.Conn used by NotificationPublisher.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes task approval events to NATS for the
// notification service.
//
// Subject convention: <prefix>.<event_type>
// Event types: task_approval_required, task_approved, task_rejected,
// task_forwarded
//
// Publishing is non-fatal. Errors are logged and never returned, so a broker
// outage never interrupts an approval transition. A circuit breaker stops
// hammering the broker after repeated failures.
type NotificationPublisher struct {
	conn    Publisher
	prefix  string
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Category     string         `json:"category"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by conn. A nil conn
// yields a publisher that only drops events.
func NewNotificationPublisher(conn Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.tasks"
	}
	p := &NotificationPublisher{conn: conn, prefix: prefix, log: log}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notifications-cb",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("notification: circuit breaker state changed")
		},
	})
	return p
}

// PublishTaskEvent publishes a task event to <prefix>.<eventType>.
func (p *NotificationPublisher) PublishTaskEvent(ctx context.Context, eventType, taskID, actorID string, recipients []string, payload map[string]any) {
	if p.conn == nil || len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "task",
		ResourceID:   taskID,
		IsActionable: eventType == "task_approval_required",
		Category:     "task_approval",
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	_, err = p.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, p.conn.Publish(subject, data)
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("task_id", taskID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("task_id", taskID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
