package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/jobdispatch/core/metrics"
)

// PromSink records dispatch outcomes in Prometheus metrics.
type PromSink struct {
	attempts      *prometheus.CounterVec
	response      *prometheus.HistogramVec
	score         *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	candidates    prometheus.Histogram
	cancellations *prometheus.CounterVec
	feeAmount     prometheus.Counter
	notifyLatency *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	manual        *prometheus.CounterVec
}

// NewPromSink registers sink metrics on the default Prometheus registerer.
// The /metrics endpoint is served separately.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered by a previous sink are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobdispatch_attempt_outcomes_total",
			Help: "Offer attempts by resulting status",
		}, []string{"status"}),
		response: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobdispatch_attempt_response_seconds",
			Help:    "Time between offer and agent answer or expiry",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300, 600},
		}, []string{"status"}),
		score: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobdispatch_attempt_score",
			Help:    "Composite score of offered candidates",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"order"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobdispatch_runs_total",
			Help: "Computed offer queues by outcome",
		}, []string{"outcome", "weights_version"}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobdispatch_run_candidates",
			Help:    "Candidates per offer queue",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobdispatch_client_cancellations_total",
			Help: "Client cancellations by previous status and fee outcome",
		}, []string{"from", "fee", "capture_failed"}),
		feeAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobdispatch_cancellation_fees_total",
			Help: "Sum of cancellation fees charged, tax included",
		}),
		notifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobdispatch_notification_latency_seconds",
			Help:    "Notification delivery latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobdispatch_job_transitions_total",
			Help: "Job lifecycle moves",
		}, []string{"from", "to"}),
		manual: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobdispatch_manual_assignments_total",
			Help: "Jobs handed over to an operator",
		}, []string{"reason"}),
	}
	var err error
	if s.attempts, err = register(reg, s.attempts); err != nil {
		return nil, err
	}
	if s.response, err = register(reg, s.response); err != nil {
		return nil, err
	}
	if s.score, err = register(reg, s.score); err != nil {
		return nil, err
	}
	if s.runs, err = register(reg, s.runs); err != nil {
		return nil, err
	}
	if s.candidates, err = register(reg, s.candidates); err != nil {
		return nil, err
	}
	if s.cancellations, err = register(reg, s.cancellations); err != nil {
		return nil, err
	}
	if s.feeAmount, err = register(reg, s.feeAmount); err != nil {
		return nil, err
	}
	if s.notifyLatency, err = register(reg, s.notifyLatency); err != nil {
		return nil, err
	}
	if s.transitions, err = register(reg, s.transitions); err != nil {
		return nil, err
	}
	if s.manual, err = register(reg, s.manual); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordAttempt counts the attempt and, once resolved, its response time.
func (s *PromSink) RecordAttempt(rec coremetrics.AttemptRecord) error {
	s.attempts.WithLabelValues(string(rec.Status)).Inc()
	if rec.Status.Resolved() {
		s.response.WithLabelValues(string(rec.Status)).Observe(rec.ResponseTime.Seconds())
		return nil
	}
	s.score.WithLabelValues(strconv.Itoa(rec.Order)).Observe(rec.Score)
	return nil
}

// RecordDispatchRun counts runs and their queue sizes.
func (s *PromSink) RecordDispatchRun(rec coremetrics.DispatchRunRecord) error {
	s.runs.WithLabelValues(rec.Outcome, strconv.Itoa(rec.WeightsVersion)).Inc()
	s.candidates.Observe(float64(rec.Candidates))
	return nil
}

// RecordCancellation counts cancellations and charged fees.
func (s *PromSink) RecordCancellation(rec coremetrics.CancellationRecord) error {
	s.cancellations.WithLabelValues(string(rec.PrevStatus), strconv.FormatBool(rec.FeeApplied),
		strconv.FormatBool(rec.CaptureFailed)).Inc()
	if rec.FeeApplied && !rec.CaptureFailed {
		s.feeAmount.Add(rec.TotalAmount)
	}
	return nil
}

// RecordNotification observes delivery latency.
func (s *PromSink) RecordNotification(rec coremetrics.NotificationRecord) error {
	outcome := "ok"
	if rec.Error != "" {
		outcome = "error"
	}
	s.notifyLatency.WithLabelValues(outcome).Observe(rec.Latency.Seconds())
	return nil
}

// RecordJobTransition counts lifecycle moves.
func (s *PromSink) RecordJobTransition(rec coremetrics.JobTransitionRecord) error {
	s.transitions.WithLabelValues(string(rec.From), string(rec.To)).Inc()
	return nil
}

// RecordManualAssignment counts operator fallbacks.
func (s *PromSink) RecordManualAssignment(rec coremetrics.ManualAssignmentRecord) error {
	s.manual.WithLabelValues(rec.Reason).Inc()
	return nil
}
