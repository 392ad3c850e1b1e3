// Package events defines the dispatch events emitted on the event bus.
//
// Available event types:
//   - AttemptEvent: an offer was created or resolved
//   - JobStatusEvent: a job moved through its lifecycle
//   - ManualAssignmentEvent: the offer queue is exhausted
//   - CancellationEvent: a client cancellation was settled
//   - WeightsEvent: a new dispatch weight version was activated
package events
