// Package redis arms offer timeouts in a Redis sorted set so that they
// survive process restarts and can be shared by several dispatch replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kilianp07/jobdispatch/core/logger"
	"github.com/kilianp07/jobdispatch/core/monitoring"
)

const defaultKey = "dispatch:timeouts" // zset: score=timeout_at_unix_ms, member=attempt_id

// Config holds connection and polling settings.
type Config struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	Key          string        `json:"key"`
	PollInterval time.Duration `json:"poll_interval"`
	BatchSize    int64         `json:"batch_size"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Key == "" {
		c.Key = defaultKey
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Handler is invoked once per due attempt.
type Handler func(ctx context.Context, attemptID string) error

// TimeoutScheduler stores timeouts as members of a sorted set scored by their
// deadline. A poller claims due members with ZREM before invoking the handler,
// so each entry fires at most once across replicas.
type TimeoutScheduler struct {
	rdb    *goredis.Client
	cfg    Config
	logger logger.Logger
	now    func() time.Time
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config, log logger.Logger) (*TimeoutScheduler, error) {
	cfg.SetDefaults()
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(rdb, cfg, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *goredis.Client, cfg Config, log logger.Logger) *TimeoutScheduler {
	cfg.SetDefaults()
	return &TimeoutScheduler{rdb: rdb, cfg: cfg, logger: logger.OrNop(log), now: time.Now}
}

// Schedule arms or re-arms the timeout of an attempt.
func (s *TimeoutScheduler) Schedule(ctx context.Context, attemptID string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, s.cfg.Key, goredis.Z{Score: float64(at.UnixMilli()), Member: attemptID}).Err()
	if err != nil {
		return fmt.Errorf("schedule timeout %s: %w", attemptID, err)
	}
	return nil
}

// Cancel disarms the timeout of an attempt. Unknown ids are ignored.
func (s *TimeoutScheduler) Cancel(ctx context.Context, attemptID string) error {
	if err := s.rdb.ZRem(ctx, s.cfg.Key, attemptID).Err(); err != nil {
		return fmt.Errorf("cancel timeout %s: %w", attemptID, err)
	}
	return nil
}

// Len returns the number of armed timeouts.
func (s *TimeoutScheduler) Len(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, s.cfg.Key).Result()
}

// Due returns the deadline of an armed attempt.
func (s *TimeoutScheduler) Due(ctx context.Context, attemptID string) (time.Time, bool, error) {
	score, err := s.rdb.ZScore(ctx, s.cfg.Key, attemptID).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// FireDue claims every entry whose deadline has passed and invokes h for it.
// A handler failure re-arms the entry one poll interval later.
func (s *TimeoutScheduler) FireDue(ctx context.Context, h Handler) (int, error) {
	now := s.now().UnixMilli()
	due, err := s.rdb.ZRangeByScore(ctx, s.cfg.Key, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: s.cfg.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("fetch due timeouts: %w", err)
	}

	fired := 0
	for _, id := range due {
		// claim first: another replica may have fired it already
		removed, err := s.rdb.ZRem(ctx, s.cfg.Key, id).Result()
		if err != nil {
			return fired, fmt.Errorf("claim timeout %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		fired++
		if err := h(ctx, id); err != nil {
			s.logger.Warnf("timeout handler failed for attempt %s: %v", id, err)
			retryAt := s.now().Add(s.cfg.PollInterval)
			if rerr := s.Schedule(ctx, id, retryAt); rerr != nil {
				monitoring.CaptureException(rerr, map[string]string{"module": "redis", "attempt_id": id})
			}
		}
	}
	return fired, nil
}

// Run polls for due timeouts until ctx is cancelled.
func (s *TimeoutScheduler) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.FireDue(ctx, h); err != nil && ctx.Err() == nil {
			s.logger.Errorf("poll timeouts: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases the connection.
func (s *TimeoutScheduler) Close() error { return s.rdb.Close() }
