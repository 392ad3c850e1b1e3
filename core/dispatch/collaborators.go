package dispatch

import (
	"context"
	"time"

	"github.com/kilianp07/jobdispatch/core/geo"
)

// Notification kinds.
const (
	NotifyOffer           = "offer"
	NotifyOfferWithdrawn  = "offer_withdrawn"
	NotifyJobCancelled    = "job_cancelled"
	NotifyCancellationFee = "cancellation_fee"
	NotifyManualRequired  = "manual_assignment_required"
)

// Notification is one best-effort message. AgentID is empty for messages
// addressed to the requester of the job.
type Notification struct {
	Kind    string         `json:"kind"`
	JobID   string         `json:"job_id"`
	AgentID string         `json:"agent_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"time"`
}

// Notifier delivers notifications. The engine never waits for it before
// advancing state and only logs its failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// TimeoutScheduler arms durable, re-checkable offer timeouts keyed by attempt
// id. Implementations call back into Engine.HandleTimeout when an entry is
// due; duplicate or late deliveries are tolerated.
type TimeoutScheduler interface {
	Schedule(ctx context.Context, attemptID string, at time.Time) error
	Cancel(ctx context.Context, attemptID string) error
}

// PaymentGateway captures part of the monetary hold placed on a job.
type PaymentGateway interface {
	CaptureHold(ctx context.Context, jobID string, amount float64) error
}

// Geocoder resolves a postal address. Failures wrap ErrGeocodeUnavailable.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (geo.Point, error)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

type nopScheduler struct{}

func (nopScheduler) Schedule(context.Context, string, time.Time) error { return nil }
func (nopScheduler) Cancel(context.Context, string) error              { return nil }

type unavailablePayments struct{}

func (unavailablePayments) CaptureHold(context.Context, string, float64) error {
	return ErrPaymentCaptureFailed
}

type unavailableGeocoder struct{}

func (unavailableGeocoder) Geocode(context.Context, string) (geo.Point, error) {
	return geo.Point{}, ErrGeocodeUnavailable
}
