package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	err      error
	calls    int
	subjects []string
	bodies   [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.bodies = append(c.bodies, data)
	return nil
}

func TestPublishTaskEvent(t *testing.T) {
	conn := &fakeConn{}
	p := NewNotificationPublisher(conn, "notifications.tasks", zerolog.Nop())

	p.PublishTaskEvent(context.Background(), "task_approval_required", "task-1", "alice",
		[]string{"hank"}, map[string]any{"level_order": 1})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "notifications.tasks.task_approval_required", conn.subjects[0])

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(conn.bodies[0], &event))
	assert.Equal(t, "task-1", event.ResourceID)
	assert.Equal(t, "task", event.ResourceType)
	assert.Equal(t, []string{"hank"}, event.Recipients)
	assert.True(t, event.IsActionable)
	assert.EqualValues(t, 1, event.Payload["level_order"])
}

func TestPublishTaskEventSkipsWithoutRecipients(t *testing.T) {
	conn := &fakeConn{}
	p := NewNotificationPublisher(conn, "", zerolog.Nop())

	p.PublishTaskEvent(context.Background(), "task_approved", "task-1", "alice", nil, nil)
	assert.Zero(t, conn.calls)

	dropped := NewNotificationPublisher(nil, "", zerolog.Nop())
	dropped.PublishTaskEvent(context.Background(), "task_approved", "task-1", "alice", []string{"bob"}, nil)
}

func TestPublishTaskEventTripsBreaker(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewNotificationPublisher(conn, "", zerolog.Nop())

	for i := 0; i < 6; i++ {
		p.PublishTaskEvent(context.Background(), "task_rejected", "task-1", "bob", []string{"alice"}, nil)
	}

	// four consecutive failures open the breaker; later calls never reach NATS
	assert.Equal(t, 4, conn.calls)
	assert.Equal(t, gobreaker.StateOpen, p.breaker.State())
}
