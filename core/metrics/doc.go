// Package metrics defines the recorder interfaces used to observe dispatch
// activity. MetricsSink is mandatory; DispatchRunRecorder,
// CancellationRecorder, NotificationRecorder and JobTransitionRecorder are
// optional and detected by type assertion. Sinks are built from configuration
// through the factory helpers, which return a MultiSink when several are
// configured. Concrete sinks live in infra/metrics.
package metrics
