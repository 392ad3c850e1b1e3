package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/kilianp07/jobdispatch/config"
	coremon "github.com/kilianp07/jobdispatch/core/monitoring"
)

// NewSentryMonitor initializes Sentry using the provided configuration and
// returns a Monitor implementation. An empty DSN disables reporting.
func NewSentryMonitor(cfg config.SentryConfig) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
		ServerName:       "jobdispatch",
	})
	if err != nil {
		return nil, err
	}
	return &sentryMonitor{flushTimeout: 2 * time.Second}, nil
}

type sentryMonitor struct {
	flushTimeout time.Duration
}

func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	if len(tags) == 0 {
		sentry.CaptureException(err)
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

func (s *sentryMonitor) Recover() {
	if r := recover(); r != nil {
		s.RecoverValue(r)
		panic(r)
	}
}

// RecoverValue reports a recovered panic value.
func (s *sentryMonitor) RecoverValue(r any) {
	sentry.CurrentHub().Recover(r)
	sentry.Flush(s.flushTimeout)
}

func (s *sentryMonitor) Flush(timeout time.Duration) { sentry.Flush(timeout) }
