package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kilianp07/jobdispatch/api"
	"github.com/kilianp07/jobdispatch/api/jobs"
	"github.com/kilianp07/jobdispatch/config"
	"github.com/kilianp07/jobdispatch/core/dispatch"
	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/events"
	"github.com/kilianp07/jobdispatch/core/fee"
	coremetrics "github.com/kilianp07/jobdispatch/core/metrics"
	coremon "github.com/kilianp07/jobdispatch/core/monitoring"
	"github.com/kilianp07/jobdispatch/core/store"
	"github.com/kilianp07/jobdispatch/infra/geocode"
	"github.com/kilianp07/jobdispatch/infra/logger"
	"github.com/kilianp07/jobdispatch/infra/metrics"
	"github.com/kilianp07/jobdispatch/infra/monitoring"
	"github.com/kilianp07/jobdispatch/infra/mqtt"
	"github.com/kilianp07/jobdispatch/infra/payment"
	"github.com/kilianp07/jobdispatch/infra/redis"
	"github.com/kilianp07/jobdispatch/infra/sqlite"
	"github.com/kilianp07/jobdispatch/infra/timer"
	"github.com/kilianp07/jobdispatch/internal/eventbus"
)

// Backend is a job store that operators can also seed with agents.
type Backend interface {
	store.Store
	store.AgentWriter
}

// Service wires the dispatch engine to its stores, transports and HTTP API.
type Service struct {
	cfg     *config.Config
	log     logger.Logger
	store   Backend
	audit   audit.Store
	sink    coremetrics.MetricsSink
	bus     *eventbus.TypedBus[events.Event]
	mqtt    *mqtt.PahoClient
	engine  *dispatch.Engine
	handler http.Handler

	// runTimers fires offer timeouts into the engine until the context ends.
	runTimers  func(ctx context.Context) error
	closeTimer func() error
}

// New creates a Service from the configuration. ctx bounds the connection
// attempts to external services.
func New(ctx context.Context, cfg *config.Config) (svc *Service, err error) {
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	s := &Service{cfg: cfg, log: logger.New("service"), bus: eventbus.NewTyped[events.Event]()}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.store, err = openStore(cfg.Store); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if s.audit, err = openAudit(cfg.Audit); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}

	deps := dispatch.Deps{
		Store:   s.store,
		Metrics: s.sink,
		Audit:   s.audit,
		Bus:     s.bus,
		Logger:  logger.New("dispatch"),
	}
	if deps.Scheduler, err = s.openTimers(ctx); err != nil {
		return nil, fmt.Errorf("timeouts: %w", err)
	}
	if cfg.MQTT.Broker != "" {
		if s.mqtt, err = mqtt.NewPahoClient(cfg.MQTT); err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		deps.Notifier = mqtt.NewNotifier(s.mqtt, cfg.MQTT.Topics)
	}
	if cfg.Payment.BaseURL != "" {
		if deps.Payments, err = payment.NewClient(cfg.Payment, logger.New("payment")); err != nil {
			return nil, fmt.Errorf("payment: %w", err)
		}
	}
	if cfg.Geocoder.BaseURL != "" {
		if deps.Geocoder, err = geocode.NewClient(cfg.Geocoder, logger.New("geocoder")); err != nil {
			return nil, fmt.Errorf("geocoder: %w", err)
		}
	}
	est := cfg.Geo.Estimator()
	fees := fee.New(cfg.Fee, est)
	deps.Estimator = &est
	deps.Fees = &fees

	if s.engine, err = dispatch.New(cfg.Dispatch, deps); err != nil {
		return nil, err
	}
	if s.mqtt != nil {
		if err = mqtt.NewResponseListener(s.engine, s.mqtt, s.mqtt, cfg.MQTT.Topics).Start(); err != nil {
			return nil, fmt.Errorf("mqtt listener: %w", err)
		}
	}
	s.handler = api.NewServer(api.Options{
		Jobs:       jobs.NewHandler(s.engine, s.store, s.store, logger.New("http")),
		Audit:      s.audit,
		AuditToken: cfg.HTTP.AuditToken,
		Logger:     logger.New("http"),
	})
	return s, nil
}

func openStore(cfg config.StoreConfig) (Backend, error) {
	if cfg.Backend != "sqlite" {
		return store.NewMemoryStore(), nil
	}
	st, err := sqlite.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openAudit(cfg config.AuditConfig) (audit.Store, error) {
	var (
		st  audit.Store
		err error
	)
	switch {
	case cfg.Backend == "none":
		return audit.NopStore{}, nil
	case cfg.Backend == "sqlite":
		st, err = audit.NewSQLiteStore(cfg.Path)
	case cfg.MaxSizeMB > 0:
		st, err = audit.NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	default:
		st, err = audit.NewJSONLStore(cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) openTimers(ctx context.Context) (dispatch.TimeoutScheduler, error) {
	if s.cfg.Timeouts.Backend == "redis" {
		rs, err := redis.New(ctx, s.cfg.Timeouts.Redis, logger.New("redis_timeouts"))
		if err != nil {
			return nil, err
		}
		s.runTimers = func(ctx context.Context) error { return rs.Run(ctx, s.engine.HandleTimeout) }
		s.closeTimer = rs.Close
		return rs, nil
	}
	ms := timer.NewMemoryScheduler(logger.New("timeouts"))
	s.runTimers = func(ctx context.Context) error { return ms.Run(ctx, s.engine.HandleTimeout) }
	return ms, nil
}

// Engine exposes the dispatch engine to one-shot commands.
func (s *Service) Engine() *dispatch.Engine { return s.engine }

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler { return s.handler }

// Run fires offer timeouts, re-arms the ones persisted by a previous process
// and serves the HTTP API until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timersDone := make(chan error, 1)
	go func() { timersDone <- s.runTimers(ctx) }()
	collectorDone := metrics.StartEventCollector(ctx, s.bus, s.sink)
	var statusDone <-chan struct{}
	if s.mqtt != nil {
		statusDone = mqtt.NewStatusPublisher(s.mqtt, s.cfg.MQTT.Topics).Start(ctx, s.bus)
	}

	rep, err := s.engine.RecoverTimeouts(ctx)
	if err != nil {
		s.log.Errorf("recover timeouts: %v", err)
	} else {
		s.log.Infow("timeouts recovered", map[string]any{
			"rearmed": rep.Rearmed, "expired": rep.Expired, "resumed": rep.Resumed,
		})
	}

	serveErr := api.Serve(ctx, s.cfg.HTTP.Addr, s.handler, s.log)
	cancel()
	<-collectorDone
	if statusDone != nil {
		<-statusDone
	}
	return errors.Join(serveErr, <-timersDone)
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	s.bus.Close()
	if s.closeTimer != nil {
		errs = append(errs, s.closeTimer())
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}
