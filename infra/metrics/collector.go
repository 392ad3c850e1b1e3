package metrics

import (
	"context"

	"github.com/kilianp07/jobdispatch/core/events"
	coremetrics "github.com/kilianp07/jobdispatch/core/metrics"
	"github.com/kilianp07/jobdispatch/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records the events the
// engine does not report to sinks directly. It stops when the context is
// canceled or the bus is closed. The returned channel is closed on exit.
func StartEventCollector(ctx context.Context, bus *eventbus.TypedBus[events.Event], sink coremetrics.MetricsSink) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || sink == nil {
		close(done)
		return done
	}
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
				if e, ok := ev.(events.ManualAssignmentEvent); ok {
					if r, ok := sink.(coremetrics.ManualAssignmentRecorder); ok {
						_ = r.RecordManualAssignment(coremetrics.ManualAssignmentRecord{JobID: e.JobID, Reason: e.Reason, Time: e.Time})
					}
				}
			}
		}
	}()
	return done
}
