package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/jobdispatch/config"
	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: "sqlite", Path: filepath.Join(dir, "jobs.db")}
	cfg.Audit = config.AuditConfig{Backend: "jsonl", Path: filepath.Join(dir, "audit.log")}
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Dispatch.OfferTimeout = time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func seed(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	for i, id := range []string{"a1", "a2"} {
		loc := geo.Point{Lat: 48.86 + float64(i)*0.01, Lon: 2.3522}
		require.NoError(t, svc.store.UpsertAgent(ctx, model.Agent{ID: id, Location: &loc,
			Skills: []string{"plumbing"}, Active: true, Approved: true}))
	}
	loc := geo.Point{Lat: 48.8566, Lon: 2.3522}
	require.NoError(t, svc.store.CreateJob(ctx, model.Job{ID: "j1", Status: model.JobNew,
		RequiredSkill: "plumbing", Location: &loc, CreatedAt: time.Now().UTC()}))
}

func TestServiceDispatchesAndAudits(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	seed(t, svc)

	res, err := svc.Engine().Dispatch(context.Background(), "j1")
	require.NoError(t, err)
	require.NotNil(t, res.FirstAttempt)
	assert.Equal(t, "a1", res.FirstAttempt.AgentID)

	recs, err := svc.audit.Query(context.Background(), audit.Query{JobID: "j1", Kind: audit.KindAttempt})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.NotNil(t, svc.Handler())
}

func TestServiceRunFiresTimeouts(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	seed(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	_, err = svc.Engine().Dispatch(ctx, "j1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err := svc.store.PendingAttempt(context.Background(), "j1")
		return err == nil && p.AgentID == "a2"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeouts.Backend = "redis"
	cfg.Timeouts.Redis.Addr = "127.0.0.1:1"
	cfg.Timeouts.SetDefaults()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, cfg)
	assert.Error(t, err)
}
