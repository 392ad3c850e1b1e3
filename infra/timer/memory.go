// Package timer arms offer timeouts with in-process timers. Entries are lost
// on restart; Engine.RecoverTimeouts re-arms them from the store.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/kilianp07/jobdispatch/core/logger"
)

// Handler is invoked once per due attempt.
type Handler func(ctx context.Context, attemptID string) error

// MemoryScheduler implements dispatch.TimeoutScheduler with time.AfterFunc.
// Timers that fire before Run has installed a handler are kept in a backlog
// and delivered as soon as it starts.
type MemoryScheduler struct {
	mu      sync.Mutex
	timers  map[string]*entry
	backlog []string
	handler Handler
	ctx     context.Context
	logger  logger.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

type entry struct{ timer *time.Timer }

// NewMemoryScheduler returns an idle scheduler.
func NewMemoryScheduler(log logger.Logger) *MemoryScheduler {
	return &MemoryScheduler{timers: map[string]*entry{}, logger: logger.OrNop(log), now: time.Now}
}

// Schedule arms or re-arms the timeout of an attempt.
func (s *MemoryScheduler) Schedule(_ context.Context, attemptID string, at time.Time) error {
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[attemptID]; ok {
		old.timer.Stop()
	}
	e := &entry{}
	e.timer = time.AfterFunc(d, func() { s.fire(attemptID, e) })
	s.timers[attemptID] = e
	return nil
}

// Cancel disarms the timeout of an attempt. Unknown ids are ignored.
func (s *MemoryScheduler) Cancel(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[attemptID]; ok {
		e.timer.Stop()
		delete(s.timers, attemptID)
	}
	return nil
}

// Len returns the number of armed timeouts.
func (s *MemoryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *MemoryScheduler) fire(attemptID string, e *entry) {
	s.mu.Lock()
	// a re-arm replaced this entry after its timer had already started
	if s.timers[attemptID] != e {
		s.mu.Unlock()
		return
	}
	delete(s.timers, attemptID)
	h, ctx := s.handler, s.ctx
	if h == nil {
		s.backlog = append(s.backlog, attemptID)
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.call(ctx, h, attemptID)
}

func (s *MemoryScheduler) call(ctx context.Context, h Handler, attemptID string) {
	if err := h(ctx, attemptID); err != nil {
		s.logger.Warnf("timeout handler failed for attempt %s: %v", attemptID, err)
	}
}

// Run installs h, delivers the backlog and blocks until ctx is cancelled.
// Armed timers are stopped on return and in-flight handlers are awaited.
func (s *MemoryScheduler) Run(ctx context.Context, h Handler) error {
	s.mu.Lock()
	s.handler, s.ctx = h, ctx
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	for _, id := range backlog {
		s.call(ctx, h, id)
	}
	<-ctx.Done()

	s.mu.Lock()
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.handler = nil
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
