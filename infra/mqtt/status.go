package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/jobdispatch/core/events"
	"github.com/kilianp07/jobdispatch/infra/logger"
	"github.com/kilianp07/jobdispatch/internal/eventbus"
)

// StatusMessage is the retained job status pushed to requester apps.
type StatusMessage struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	AgentID   string `json:"agent_id,omitempty"`
	Manual    bool   `json:"requires_manual_assignment,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StatusPublisher mirrors job status events from the bus to MQTT.
type StatusPublisher struct {
	pub    Publisher
	topics Topics
	log    logger.Logger
}

// NewStatusPublisher creates a StatusPublisher.
func NewStatusPublisher(pub Publisher, topics Topics) *StatusPublisher {
	topics.SetDefaults()
	return &StatusPublisher{pub: pub, topics: topics, log: logger.New("mqtt_status")}
}

// Start consumes bus until ctx is done or the bus is closed. The returned
// channel is closed on exit.
func (s *StatusPublisher) Start(ctx context.Context, bus *eventbus.TypedBus[events.Event]) <-chan struct{} {
	done := make(chan struct{})
	sub := bus.SubscribeBuffered(64)
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			}
		}
	}()
	return done
}

func (s *StatusPublisher) handle(ctx context.Context, ev events.Event) {
	var msg StatusMessage
	switch e := ev.(type) {
	case events.JobStatusEvent:
		msg = StatusMessage{JobID: e.JobID, Status: string(e.To), AgentID: e.AgentID, Timestamp: e.Time.UnixMilli()}
	case events.ManualAssignmentEvent:
		msg = StatusMessage{JobID: e.JobID, Status: "dispatching", Manual: true, Timestamp: e.Time.UnixMilli()}
	default:
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pub.PublishJSON(pctx, fmt.Sprintf(s.topics.Status, msg.JobID), "status", true, msg); err != nil {
		s.log.Errorf("publish status of job %s: %v", msg.JobID, err)
	}
}
