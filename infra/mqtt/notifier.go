package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/jobdispatch/core/dispatch"
)

// Publisher is the subset of PahoClient used by the notifier and the status
// publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, kind string, retained bool, v any) error
}

// Envelope is the payload of every outbound message.
type Envelope struct {
	MessageID string         `json:"message_id"`
	Kind      string         `json:"kind"`
	JobID     string         `json:"job_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Notifier delivers engine notifications over MQTT. Messages to an agent go
// to its notification topic, the others to the requester topic of the job.
type Notifier struct {
	pub    Publisher
	topics Topics
}

// NewNotifier creates a Notifier publishing through pub.
func NewNotifier(pub Publisher, topics Topics) *Notifier {
	topics.SetDefaults()
	return &Notifier{pub: pub, topics: topics}
}

// Notify publishes n once; retries are left to the publisher.
func (n *Notifier) Notify(ctx context.Context, msg dispatch.Notification) error {
	topic := fmt.Sprintf(n.topics.Requester, msg.JobID)
	if msg.AgentID != "" {
		topic = fmt.Sprintf(n.topics.AgentNotifications, msg.AgentID)
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	env := Envelope{
		MessageID: uuid.NewString(),
		Kind:      msg.Kind,
		JobID:     msg.JobID,
		AgentID:   msg.AgentID,
		Data:      msg.Data,
		Timestamp: ts.UnixMilli(),
	}
	return n.pub.PublishJSON(ctx, topic, "notification", false, env)
}
