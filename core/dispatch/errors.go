package dispatch

import "errors"

var (
	// ErrNoEligibleCandidates means a run found nobody to offer the job to.
	// Dispatch reports it through the manual assignment outcome rather than
	// returning it.
	ErrNoEligibleCandidates = errors.New("no eligible candidates")
	// ErrAlreadyResolved is returned to the loser of a race on an attempt.
	ErrAlreadyResolved = errors.New("attempt already resolved")
	// ErrGeocodeUnavailable is returned by geocoders that cannot resolve an
	// address.
	ErrGeocodeUnavailable = errors.New("geocode unavailable")
	// ErrPaymentCaptureFailed wraps payment gateway failures.
	ErrPaymentCaptureFailed = errors.New("payment capture failed")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when acting on a completed or cancelled job.
	ErrJobTerminal = errors.New("job is terminal")
	// ErrNotAssigned is returned when the agent does not hold the job.
	ErrNotAssigned = errors.New("agent not assigned to job")
	// ErrNoPendingOffer is returned when the agent has no offer to answer.
	ErrNoPendingOffer = errors.New("no pending offer for agent")
	// ErrUnknownAction is returned for an unsupported respond action.
	ErrUnknownAction = errors.New("unknown action")
)
