package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/kilianp07/jobdispatch/core/metrics"
	"github.com/kilianp07/jobdispatch/core/model"
)

func TestPromSink_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	now := time.Now()
	_ = sink.RecordAttempt(coremetrics.AttemptRecord{JobID: "j1", Order: 1, Status: model.AttemptPending, Score: 0.8, Time: now})
	_ = sink.RecordAttempt(coremetrics.AttemptRecord{JobID: "j1", Order: 1, Status: model.AttemptRejected, ResponseTime: 30 * time.Second, Time: now})
	_ = sink.RecordDispatchRun(coremetrics.DispatchRunRecord{JobID: "j1", Run: 1, Candidates: 3, Outcome: "offered", Time: now})
	_ = sink.RecordCancellation(coremetrics.CancellationRecord{JobID: "j1", PrevStatus: model.JobArrived, FeeApplied: true, TotalAmount: 58.8, Time: now})
	_ = sink.RecordCancellation(coremetrics.CancellationRecord{JobID: "j2", PrevStatus: model.JobArrived, FeeApplied: true, TotalAmount: 58.8, CaptureFailed: true, Time: now})
	_ = sink.RecordJobTransition(coremetrics.JobTransitionRecord{JobID: "j1", From: model.JobNew, To: model.JobDispatching, Time: now})
	_ = sink.RecordManualAssignment(coremetrics.ManualAssignmentRecord{JobID: "j1", Reason: "queue_exhausted", Time: now})

	if v := testutil.ToFloat64(sink.attempts.WithLabelValues("rejected")); v != 1 {
		t.Errorf("rejected attempts = %v", v)
	}
	if v := testutil.ToFloat64(sink.runs.WithLabelValues("offered", "0")); v != 1 {
		t.Errorf("runs = %v", v)
	}
	if v := testutil.ToFloat64(sink.feeAmount); v != 58.8 {
		t.Errorf("fees = %v", v)
	}
	if v := testutil.ToFloat64(sink.cancellations.WithLabelValues("arrived", "true", "true")); v != 1 {
		t.Errorf("failed captures = %v", v)
	}
	if v := testutil.ToFloat64(sink.transitions.WithLabelValues("new", "dispatching")); v != 1 {
		t.Errorf("transitions = %v", v)
	}
	if v := testutil.ToFloat64(sink.manual.WithLabelValues("queue_exhausted")); v != 1 {
		t.Errorf("manual = %v", v)
	}
	if n := testutil.CollectAndCount(sink.response); n != 1 {
		t.Errorf("response series = %d", n)
	}
}

func TestPromSink_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("first sink: %v", err)
	}
	second, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("second sink: %v", err)
	}
	_ = second.RecordManualAssignment(coremetrics.ManualAssignmentRecord{Reason: "no_candidates"})
	if v := testutil.ToFloat64(first.manual.WithLabelValues("no_candidates")); v != 1 {
		t.Fatalf("expected shared collector, got %v", v)
	}
}
