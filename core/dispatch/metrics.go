package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	attemptsTotal        *prometheus.CounterVec
	dispatchRuns         *prometheus.CounterVec
	offerResponseSeconds *prometheus.HistogramVec
	staleEvents          *prometheus.CounterVec
	notifyFailures       prometheus.Counter
	cancellations        *prometheus.CounterVec
	captureFailures      prometheus.Counter
)

type collectors struct {
	attempts *prometheus.CounterVec
	runs     *prometheus.CounterVec
	response *prometheus.HistogramVec
	stale    *prometheus.CounterVec
	notify   prometheus.Counter
	cancels  *prometheus.CounterVec
	captures prometheus.Counter
}

// newCollectors creates new metric collectors.
func newCollectors() collectors {
	return collectors{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Dispatch attempts by resulting status",
		}, []string{"status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_runs_total",
			Help: "Computed offer queues by outcome",
		}, []string{"outcome"}),
		response: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_offer_response_seconds",
			Help:    "Time between an offer notification and its resolution",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_stale_events_total",
			Help: "Responses and timeouts that arrived after their attempt was resolved",
		}, []string{"event"}),
		notify: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_notify_failures_total",
			Help: "Number of failed notification deliveries",
		}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_cancellations_total",
			Help: "Client cancellations by fee outcome",
		}, []string{"fee"}),
		captures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_payment_capture_failures_total",
			Help: "Displacement fee captures that failed and need reconciliation",
		}),
	}
}

func (c collectors) install() {
	attemptsTotal = c.attempts
	dispatchRuns = c.runs
	offerResponseSeconds = c.response
	staleEvents = c.stale
	notifyFailures = c.notify
	cancellations = c.cancels
	captureFailures = c.captures
}

func init() {
	newCollectors().install()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(attemptsTotal, dispatchRuns, offerResponseSeconds, staleEvents, notifyFailures, cancellations, captureFailures)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	newCollectors().install()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
