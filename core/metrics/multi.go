package metrics

import "errors"

// MultiSink fans records out to several sinks. Optional recorders are only
// invoked on the sinks implementing them.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink returns a sink forwarding to all provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) RecordAttempt(rec AttemptRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		errs = append(errs, s.RecordAttempt(rec))
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordDispatchRun(rec DispatchRunRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(DispatchRunRecorder); ok {
			errs = append(errs, r.RecordDispatchRun(rec))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordCancellation(rec CancellationRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(CancellationRecorder); ok {
			errs = append(errs, r.RecordCancellation(rec))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordNotification(rec NotificationRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(NotificationRecorder); ok {
			errs = append(errs, r.RecordNotification(rec))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordJobTransition(rec JobTransitionRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(JobTransitionRecorder); ok {
			errs = append(errs, r.RecordJobTransition(rec))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordManualAssignment(rec ManualAssignmentRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(ManualAssignmentRecorder); ok {
			errs = append(errs, r.RecordManualAssignment(rec))
		}
	}
	return errors.Join(errs...)
}
