package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/jobdispatch/core/events"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/internal/eventbus"
)

func TestStatusPublisherMirrorsJobEvents(t *testing.T) {
	pub := &recordPublisher{}
	bus := eventbus.NewTyped[events.Event]()
	ctx, cancel := context.WithCancel(context.Background())
	done := NewStatusPublisher(pub, Topics{}).Start(ctx, bus)

	now := time.Now()
	bus.Publish(events.AttemptEvent{Attempt: model.Attempt{JobID: "j1"}, Time: now})
	bus.Publish(events.JobStatusEvent{JobID: "j1", From: model.JobDispatching, To: model.JobAssigned, AgentID: "a1", Time: now})
	bus.Publish(events.ManualAssignmentEvent{JobID: "j2", Reason: "queue_exhausted", Time: now})

	require.Eventually(t, func() bool { return len(pub.messages()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msgs := pub.messages()
	assert.Equal(t, "jobs/j1/status", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	var st StatusMessage
	require.NoError(t, json.Unmarshal(msgs[0].body, &st))
	assert.Equal(t, "assigned", st.Status)
	assert.Equal(t, "a1", st.AgentID)

	require.NoError(t, json.Unmarshal(msgs[1].body, &st))
	assert.Equal(t, "jobs/j2/status", msgs[1].topic)
	assert.True(t, st.Manual)
}
