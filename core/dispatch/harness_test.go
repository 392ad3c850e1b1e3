package dispatch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/fee"
	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

// kmPerDegreeLat is the length of one degree of latitude on the sphere used
// by geo.DistanceMeters.
const kmPerDegreeLat = 6371.0 * math.Pi / 180

var jobPoint = geo.Point{Lat: 48.8566, Lon: 2.3522}

// north returns the point km kilometers north of the job.
func north(km float64) *geo.Point {
	return &geo.Point{Lat: jobPoint.Lat + km/kmPerDegreeLat, Lon: jobPoint.Lon}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) kinds(agentID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		if m.AgentID == agentID {
			out = append(out, m.Kind)
		}
	}
	return out
}

type recordingScheduler struct {
	mu        sync.Mutex
	armed     map[string]time.Time
	cancelled []string
}

func (s *recordingScheduler) Schedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		s.armed = map[string]time.Time{}
	}
	s.armed[id] = at
	return nil
}

func (s *recordingScheduler) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.armed, id)
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *recordingScheduler) at(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.armed[id]
	return at, ok
}

func (s *recordingScheduler) reset() {
	s.mu.Lock()
	s.armed = nil
	s.mu.Unlock()
}

type fakePayments struct {
	mu       sync.Mutex
	captured map[string]float64
	err      error
}

func (p *fakePayments) CaptureHold(_ context.Context, jobID string, amount float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.captured == nil {
		p.captured = map[string]float64{}
	}
	p.captured[jobID] = amount
	return nil
}

type staticGeocoder struct {
	pt  geo.Point
	err error
}

func (g staticGeocoder) Geocode(context.Context, string) (geo.Point, error) {
	return g.pt, g.err
}

type memoryAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (m *memoryAudit) Append(_ context.Context, r audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryAudit) Query(_ context.Context, q audit.Query) ([]audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Record
	for _, r := range m.records {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryAudit) Close() error { return nil }

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *store.MemoryStore
	clock     *fakeClock
	notifier  *recordingNotifier
	scheduler *recordingScheduler
	payments  *fakePayments
	engine    *Engine
}

type harnessOption func(*Deps)

func withGeocoder(g Geocoder) harnessOption { return func(d *Deps) { d.Geocoder = g } }

// newHarness creates an engine over three plumbers placed 1, 2 and 3 km north
// of the job location. With a one to one detour, no preparation time and
// 30 km/h, one road kilometer is two minutes of ETA.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ResetMetrics(nil)
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     store.NewMemoryStore(),
		clock:     &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		notifier:  &recordingNotifier{},
		scheduler: &recordingScheduler{},
		payments:  &fakePayments{},
	}
	est := geo.NewEstimator(1, 0, 30)
	fees := fee.New(fee.DefaultConfig(), est)
	seq := 0
	var seqMu sync.Mutex
	deps := Deps{
		Store:     h.store,
		Notifier:  h.notifier,
		Scheduler: h.scheduler,
		Payments:  h.payments,
		Estimator: &est,
		Fees:      &fees,
		Now:       h.clock.Now,
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("att-%d", seq)
		},
	}
	for _, o := range opts {
		o(&deps)
	}
	e, err := New(Config{}, deps)
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(func() { _ = e.Close() })

	for i, id := range []string{"a1", "a2", "a3"} {
		h.agent(model.Agent{ID: id, Location: north(float64(i + 1)), Skills: []string{"plumbing"}, Active: true, Approved: true})
	}
	return h
}

func (h *harness) agent(a model.Agent) {
	h.t.Helper()
	require.NoError(h.t, h.store.UpsertAgent(h.ctx, a))
}

func (h *harness) job(id string) model.Job {
	h.t.Helper()
	loc := jobPoint
	j := model.Job{ID: id, Status: model.JobNew, RequiredSkill: "plumbing", Location: &loc,
		AccountType: model.AccountIndividual, CreatedAt: h.clock.Now()}
	require.NoError(h.t, h.store.CreateJob(h.ctx, j))
	return j
}

func (h *harness) getJob(id string) model.Job {
	h.t.Helper()
	j, err := h.store.GetJob(h.ctx, id)
	require.NoError(h.t, err)
	return j
}

func (h *harness) pending(jobID string) model.Attempt {
	h.t.Helper()
	p, err := h.store.PendingAttempt(h.ctx, jobID)
	require.NoError(h.t, err)
	return p
}

func (h *harness) attempts(jobID string) []model.Attempt {
	h.t.Helper()
	out, err := h.engine.Attempts(h.ctx, jobID)
	require.NoError(h.t, err)
	return out
}

func (h *harness) respond(jobID, agentID string, action Action) {
	h.t.Helper()
	res, err := h.engine.Respond(h.ctx, jobID, agentID, action, "")
	require.NoError(h.t, err)
	require.True(h.t, res.Success)
}

// flush waits for background notifications.
func (h *harness) flush() { h.engine.inflight.Wait() }

func countStatus(as []model.Attempt, s model.AttemptStatus) int {
	n := 0
	for _, a := range as {
		if a.Status == s {
			n++
		}
	}
	return n
}
