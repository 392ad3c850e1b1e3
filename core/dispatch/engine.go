package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/eligibility"
	"github.com/kilianp07/jobdispatch/core/events"
	"github.com/kilianp07/jobdispatch/core/fee"
	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/jobstate"
	"github.com/kilianp07/jobdispatch/core/logger"
	"github.com/kilianp07/jobdispatch/core/metrics"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/monitoring"
	"github.com/kilianp07/jobdispatch/core/scoring"
	"github.com/kilianp07/jobdispatch/core/store"
	"github.com/kilianp07/jobdispatch/internal/eventbus"
)

// Dispatch outcomes.
const (
	StatusOffered          = "offered"
	StatusPending          = "pending"
	StatusManualAssignment = "manual_assignment"
	StatusAssigned         = "assigned"
)

// Result is returned by Dispatch.
type Result struct {
	JobID          string         `json:"job_id"`
	Status         string         `json:"status"`
	CandidateCount int            `json:"candidate_count"`
	FirstAttempt   *model.Attempt `json:"first_attempt,omitempty"`
	// Reason explains a manual assignment outcome.
	Reason string `json:"reason,omitempty"`
}

// Deps groups the collaborators of the engine. Only Store is mandatory.
type Deps struct {
	Store     store.Store
	Notifier  Notifier
	Scheduler TimeoutScheduler
	Payments  PaymentGateway
	Geocoder  Geocoder
	Estimator *geo.Estimator
	Fees      *fee.Policy
	Metrics   metrics.MetricsSink
	Audit     audit.Store
	Bus       *eventbus.TypedBus[events.Event]
	Logger    logger.Logger
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// NewID overrides attempt id generation.
	NewID func() string
}

// Engine coordinates offers between jobs and agents. Every method is safe for
// concurrent use and for repeated invocation on the same job: coordination
// relies solely on the conditional updates of the store.
type Engine struct {
	cfg       Config
	store     store.Store
	notifier  Notifier
	scheduler TimeoutScheduler
	payments  PaymentGateway
	geocoder  Geocoder
	estimator geo.Estimator
	fees      fee.Policy
	filter    eligibility.Filter
	metrics   metrics.MetricsSink
	audit     audit.Store
	bus       *eventbus.TypedBus[events.Event]
	logger    logger.Logger
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	inflight sync.WaitGroup
	closed   bool
}

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("dispatch: nil store provided to New")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		notifier:  deps.Notifier,
		scheduler: deps.Scheduler,
		payments:  deps.Payments,
		geocoder:  deps.Geocoder,
		estimator: geo.DefaultEstimator(),
		metrics:   deps.Metrics,
		audit:     deps.Audit,
		bus:       deps.Bus,
		logger:    logger.OrNop(deps.Logger),
		now:       deps.Now,
		newID:     deps.NewID,
	}
	if deps.Estimator != nil {
		e.estimator = *deps.Estimator
	}
	if deps.Fees != nil {
		e.fees = *deps.Fees
	} else {
		e.fees = fee.New(fee.DefaultConfig(), e.estimator)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.scheduler == nil {
		e.scheduler = nopScheduler{}
	}
	if e.payments == nil {
		e.payments = unavailablePayments{}
	}
	if e.geocoder == nil {
		e.geocoder = unavailableGeocoder{}
	}
	if e.metrics == nil {
		e.metrics = metrics.NopSink{}
	}
	if e.audit == nil {
		e.audit = audit.NopStore{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.filter = eligibility.Filter{Agents: deps.Store, Exclusions: deps.Store, Estimator: e.estimator}
	return e, nil
}

// Close waits for in-flight notifications. The store and bus are owned by
// the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
	return nil
}

// Dispatch starts or resumes the offer loop of a job.
//
// A job without a pending attempt gets one; a job already waiting on an agent
// reports that attempt. A job flagged for manual assignment starts a fresh
// run built from the current exclusions, which is how operators retry after
// queue exhaustion.
func (e *Engine) Dispatch(ctx context.Context, jobID string) (Result, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status.Terminal() {
		return Result{}, fmt.Errorf("dispatch %s: %w", jobID, ErrJobTerminal)
	}
	if job.Status != model.JobNew && job.Status != model.JobDispatching {
		return Result{JobID: jobID, Status: StatusAssigned}, nil
	}
	if p, err := e.store.PendingAttempt(ctx, jobID); err == nil {
		res := Result{JobID: jobID, Status: StatusPending, FirstAttempt: &p}
		if q, err := e.store.GetQueue(ctx, jobID); err == nil {
			res.CandidateCount = len(q.Candidates)
		}
		return res, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("pending attempt: %w", err)
	}

	if job.Location == nil {
		if job, err = e.resolveLocation(ctx, job); err != nil {
			return Result{}, err
		}
		if job.Location == nil {
			return Result{JobID: jobID, Status: StatusManualAssignment, Reason: "geocode_unavailable"}, nil
		}
	}

	if job.Status == model.JobNew || job.RequiresManualAssignment {
		job, err = e.updateJob(ctx, jobID, func(j model.Job) (model.Job, error) {
			switch {
			case j.Status == model.JobNew:
				return jobstate.Transition(j, model.JobDispatching, e.now(), jobstate.Options{})
			case j.Status == model.JobDispatching:
				j.RequiresManualAssignment = false
				return j, nil
			}
			return j, errJobMoved
		})
		if err != nil {
			return e.movedResult(ctx, jobID, err)
		}
		return e.startRun(ctx, job)
	}

	// Dispatching without a pending attempt: a previous process stopped
	// between two offers. Continue the current queue, or build the first one.
	q, err := e.store.GetQueue(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return e.startRun(ctx, job)
	}
	if err != nil {
		return Result{}, fmt.Errorf("get queue: %w", err)
	}
	return e.advance(ctx, job, q)
}

// movedResult turns a lost race on the job status into the result of the
// winner.
func (e *Engine) movedResult(ctx context.Context, jobID string, err error) (Result, error) {
	if !errors.Is(err, errJobMoved) {
		return Result{}, err
	}
	job, gerr := e.getJob(ctx, jobID)
	if gerr != nil {
		return Result{}, gerr
	}
	if job.Status.Terminal() {
		return Result{}, fmt.Errorf("dispatch %s: %w", jobID, ErrJobTerminal)
	}
	return Result{JobID: jobID, Status: StatusAssigned}, nil
}

// resolveLocation geocodes the job address. A failure flags the job for
// manual assignment and is not returned as an error.
func (e *Engine) resolveLocation(ctx context.Context, job model.Job) (model.Job, error) {
	var (
		pt  geo.Point
		err = fmt.Errorf("job %s has no address: %w", job.ID, ErrGeocodeUnavailable)
	)
	if job.Address != "" {
		pt, err = e.geocoder.Geocode(ctx, job.Address)
		if err == nil {
			err = pt.Validate()
		}
	}
	if err != nil {
		e.logger.Warnf("geocoding job %s failed: %v", job.ID, err)
		_, ferr := e.flagManual(ctx, job.ID, "geocode_unavailable")
		return model.Job{}, ferr
	}
	updated, err := e.updateJob(ctx, job.ID, func(j model.Job) (model.Job, error) {
		if j.Location == nil {
			p := pt
			j.Location = &p
		}
		return j, nil
	})
	if err != nil {
		return model.Job{}, err
	}
	return updated, nil
}

// startRun computes a fresh candidate queue and offers the job to its head.
func (e *Engine) startRun(ctx context.Context, job model.Job) (Result, error) {
	start := e.now()
	weights := e.activeWeights(ctx)
	found, err := e.filter.Candidates(ctx, job, e.cfg.PoolLimit)
	if err != nil {
		return Result{}, fmt.Errorf("eligibility: %w", err)
	}
	scorer := scoring.New(weights.Weights, e.cfg.MaxRadiusKm)
	ranked := scorer.Rank(job.RequiredSkill, found.Agents, found.Candidates)

	run := 1
	if prev, err := e.store.GetQueue(ctx, job.ID); err == nil {
		run = prev.Run + 1
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("get queue: %w", err)
	}
	q := model.Queue{JobID: job.ID, Run: run, WeightsVersion: weights.Version, Candidates: ranked, CreatedAt: start}
	if err := e.store.SaveQueue(ctx, q); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// a concurrent call built this run; follow it
			return e.Dispatch(ctx, job.ID)
		}
		return Result{}, fmt.Errorf("save queue: %w", err)
	}
	outcome := StatusOffered
	if len(ranked) == 0 {
		outcome = StatusManualAssignment
	}
	dispatchRuns.WithLabelValues(outcome).Inc()
	e.recordRun(metrics.DispatchRunRecord{JobID: job.ID, Run: run, Candidates: len(ranked),
		WeightsVersion: weights.Version, Outcome: outcome, Duration: e.now().Sub(start), Time: start})
	e.appendAudit(ctx, audit.Record{Timestamp: start, Kind: audit.KindDispatchRun, JobID: job.ID,
		Detail: map[string]any{"run": run, "candidates": candidateIDs(ranked), "weights_version": weights.Version}})
	e.logger.Infow("dispatch run computed", map[string]any{
		"job_id": job.ID, "run": run, "candidates": len(ranked), "weights_version": weights.Version,
	})
	return e.advance(ctx, job, q)
}

// advance offers the job to the next candidate of q that has not been offered
// in this run and is not excluded. An exhausted queue flags the job.
func (e *Engine) advance(ctx context.Context, job model.Job, q model.Queue) (Result, error) {
	for i := 0; i < e.cfg.MaxUpdateRetries; i++ {
		res, retry, err := e.tryOffer(ctx, job, q)
		if !retry {
			return res, err
		}
	}
	return Result{}, fmt.Errorf("advance %s: %w", job.ID, store.ErrConflict)
}

func (e *Engine) tryOffer(ctx context.Context, job model.Job, q model.Queue) (Result, bool, error) {
	attempts, err := e.store.ListAttempts(ctx, job.ID)
	if err != nil {
		return Result{}, false, fmt.Errorf("list attempts: %w", err)
	}
	excl, err := e.store.ListExclusions(ctx, job.ID)
	if err != nil {
		return Result{}, false, fmt.Errorf("list exclusions: %w", err)
	}
	skip := make(map[string]bool, len(attempts)+len(excl))
	order := 0
	for _, a := range attempts {
		if a.Run == q.Run {
			skip[a.AgentID] = true
		}
		order = max(order, a.Order)
	}
	for _, x := range excl {
		skip[x.AgentID] = true
	}

	var next *model.Candidate
	for i := range q.Candidates {
		c := q.Candidates[i]
		if skip[c.AgentID] {
			continue
		}
		// the queue is immutable, but an agent may have gone offline since
		if a, err := e.store.GetAgent(ctx, c.AgentID); err != nil || !a.Active || !a.Approved {
			continue
		}
		next = &c
		break
	}
	if next == nil {
		reason := "queue_exhausted"
		if len(q.Candidates) == 0 {
			reason = "no_candidates"
		}
		res, err := e.flagManual(ctx, job.ID, reason)
		res.CandidateCount = len(q.Candidates)
		return res, false, err
	}

	now := e.now()
	a := model.Attempt{
		ID:         e.newID(),
		JobID:      job.ID,
		AgentID:    next.AgentID,
		Order:      order + 1,
		Run:        q.Run,
		Score:      next.Score,
		Breakdown:  next.Breakdown,
		DistanceKm: next.DistanceKm,
		ETAMinutes: next.ETAMinutes,
		Status:     model.AttemptPending,
		NotifiedAt: now,
		TimeoutAt:  now.Add(e.cfg.OfferTimeout),
	}
	if err := e.store.CreateAttempt(ctx, a); err != nil {
		switch {
		case errors.Is(err, store.ErrPendingExists):
			p, perr := e.store.PendingAttempt(ctx, job.ID)
			if perr != nil {
				return Result{}, true, nil
			}
			return Result{JobID: job.ID, Status: StatusPending, CandidateCount: len(q.Candidates), FirstAttempt: &p}, false, nil
		case errors.Is(err, store.ErrConflict):
			return Result{}, true, nil
		}
		return Result{}, false, fmt.Errorf("create attempt: %w", err)
	}

	// A cancellation may have landed between the status check and the insert.
	if cur, err := e.store.GetJob(ctx, job.ID); err == nil && cur.Status != model.JobDispatching {
		if _, err := e.store.TransitionAttempt(ctx, a.ID, model.AttemptPending, model.AttemptCancelled, e.now()); err == nil {
			attemptsTotal.WithLabelValues(string(model.AttemptCancelled)).Inc()
		}
		if cur.Status.Terminal() {
			return Result{}, false, fmt.Errorf("dispatch %s: %w", job.ID, ErrJobTerminal)
		}
		return Result{JobID: job.ID, Status: StatusAssigned}, false, nil
	}

	if err := e.scheduler.Schedule(ctx, a.ID, a.TimeoutAt); err != nil {
		// RecoverTimeouts re-arms it from the store
		e.logger.Errorf("schedule timeout for attempt %s: %v", a.ID, err)
		monitoring.CaptureException(err, map[string]string{"module": "dispatch_engine", "job_id": job.ID, "attempt_id": a.ID})
	}
	attemptsTotal.WithLabelValues(string(model.AttemptPending)).Inc()
	e.recordAttempt(a, 0)
	e.publish(events.AttemptEvent{Attempt: a, Time: now})
	e.appendAudit(ctx, audit.Record{Timestamp: now, Kind: audit.KindAttempt, JobID: job.ID, AgentID: a.AgentID,
		AttemptID: a.ID, Status: string(a.Status), Detail: map[string]any{
			"order": a.Order, "run": a.Run, "score": a.Score, "breakdown": a.Breakdown, "timeout_at": a.TimeoutAt,
		}})
	e.logger.Infow("offer sent", map[string]any{
		"job_id": job.ID, "agent_id": a.AgentID, "attempt_id": a.ID, "order": a.Order, "score": a.Score,
	})
	e.notify(ctx, Notification{Kind: NotifyOffer, JobID: job.ID, AgentID: a.AgentID, Time: now, Data: map[string]any{
		"attempt_id": a.ID, "timeout_at": a.TimeoutAt, "distance_km": a.DistanceKm, "eta_minutes": a.ETAMinutes,
	}})
	return Result{JobID: job.ID, Status: StatusOffered, CandidateCount: len(q.Candidates), FirstAttempt: &a}, false, nil
}

// flagManual marks the job as requiring manual assignment. No further attempt
// is created until Dispatch is called again.
func (e *Engine) flagManual(ctx context.Context, jobID, reason string) (Result, error) {
	changed := false
	_, err := e.updateJob(ctx, jobID, func(j model.Job) (model.Job, error) {
		if j.Status.Terminal() {
			return j, errJobMoved
		}
		changed = !j.RequiresManualAssignment
		j.RequiresManualAssignment = true
		return j, nil
	})
	if err != nil {
		return e.movedResult(ctx, jobID, err)
	}
	if changed {
		now := e.now()
		e.logger.Warnf("job %s requires manual assignment: %s", jobID, reason)
		e.publish(events.ManualAssignmentEvent{JobID: jobID, Reason: reason, Time: now})
		e.notify(ctx, Notification{Kind: NotifyManualRequired, JobID: jobID, Time: now, Data: map[string]any{"reason": reason}})
	}
	return Result{JobID: jobID, Status: StatusManualAssignment, Reason: reason}, nil
}

// Attempts returns the full attempt history of a job in offer order.
func (e *Engine) Attempts(ctx context.Context, jobID string) ([]model.Attempt, error) {
	if _, err := e.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListAttempts(ctx, jobID)
}

var errJobMoved = errors.New("job moved concurrently")

func (e *Engine) getJob(ctx context.Context, id string) (model.Job, error) {
	j, err := e.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Job{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return j, err
}

// updateJob applies mutate on the latest version of the job and writes it
// back, retrying on version conflicts. mutate must be side effect free. A
// status change is published and recorded once the write succeeds.
func (e *Engine) updateJob(ctx context.Context, id string, mutate func(model.Job) (model.Job, error)) (model.Job, error) {
	for i := 0; i < e.cfg.MaxUpdateRetries; i++ {
		cur, err := e.getJob(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		next, err := mutate(cur.Clone())
		if err != nil {
			return model.Job{}, err
		}
		saved, err := e.store.UpdateJob(ctx, next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return model.Job{}, fmt.Errorf("update job %s: %w", id, err)
		}
		if cur.Status != saved.Status {
			e.jobTransitioned(ctx, cur, saved)
		}
		return saved, nil
	}
	return model.Job{}, fmt.Errorf("update job %s: %w", id, store.ErrConflict)
}

func (e *Engine) jobTransitioned(ctx context.Context, from, to model.Job) {
	now := e.now()
	e.publish(events.JobStatusEvent{JobID: to.ID, From: from.Status, To: to.Status, AgentID: to.AgentID, Time: now})
	if r, ok := e.metrics.(metrics.JobTransitionRecorder); ok {
		if err := r.RecordJobTransition(metrics.JobTransitionRecord{JobID: to.ID, From: from.Status, To: to.Status, Time: now}); err != nil {
			e.logger.Errorf("job transition metrics error: %v", err)
		}
	}
	e.appendAudit(ctx, audit.Record{Timestamp: now, Kind: audit.KindJobTransition, JobID: to.ID, AgentID: to.AgentID,
		Status: string(to.Status), Detail: map[string]any{"from": string(from.Status)}})
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) appendAudit(ctx context.Context, rec audit.Record) {
	if err := e.audit.Append(ctx, rec); err != nil {
		e.logger.Errorf("audit append failed: %v", err)
	}
}

func (e *Engine) recordAttempt(a model.Attempt, response time.Duration) {
	rec := metrics.AttemptRecord{JobID: a.JobID, AgentID: a.AgentID, Order: a.Order, Run: a.Run,
		Status: a.Status, Score: a.Score, ResponseTime: response, Time: e.now()}
	if err := e.metrics.RecordAttempt(rec); err != nil {
		e.logger.Errorf("attempt metrics error: %v", err)
	}
}

func (e *Engine) recordRun(rec metrics.DispatchRunRecord) {
	if r, ok := e.metrics.(metrics.DispatchRunRecorder); ok {
		if err := r.RecordDispatchRun(rec); err != nil {
			e.logger.Errorf("dispatch run metrics error: %v", err)
		}
	}
}

// notify delivers n in the background. Failures are logged and counted only.
func (e *Engine) notify(ctx context.Context, n Notification) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer e.inflight.Done()
		defer monitoring.Recover()
		nctx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout)
		defer cancel()
		start := time.Now()
		err := e.notifier.Notify(nctx, n)
		rec := metrics.NotificationRecord{JobID: n.JobID, AgentID: n.AgentID, Latency: time.Since(start), Time: n.Time}
		if id, ok := n.Data["attempt_id"].(string); ok {
			rec.AttemptID = id
		}
		if err != nil {
			notifyFailures.Inc()
			rec.Error = err.Error()
			e.logger.Warnf("notify %s for job %s failed: %v", n.Kind, n.JobID, err)
		}
		if r, ok := e.metrics.(metrics.NotificationRecorder); ok {
			if err := r.RecordNotification(rec); err != nil {
				e.logger.Errorf("notification metrics error: %v", err)
			}
		}
	}()
}

func candidateIDs(cs []model.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.AgentID
	}
	return out
}
