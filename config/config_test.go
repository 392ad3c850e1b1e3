package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

//nolint:gocyclo
func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `mqtt:
  broker: "tcp://localhost:1883"
  client_id: "dispatcher"
  username: "user"
  topics:
    responses: "pros/+/answers"
dispatch:
  offer_timeout: "2m"
  max_radius_km: 40
  default_weights:
    proximity: 0.5
    skill: 0.2
    workload: 0.2
    rating: 0.1
fee:
  proximity_threshold_minutes: 7
store:
  backend: "sqlite"
timeouts:
  backend: "redis"
  redis:
    addr: "redis:6379"
metrics:
  sinks:
    - type: "nop"
audit:
  backend: "sqlite"
  path: "/tmp/audit.db"
`)
	t.Setenv("K_DISPATCH__POOL_LIMIT", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"client_id", cfg.MQTT.ClientID, "dispatcher"},
		{"responses topic", cfg.MQTT.Topics.Responses, "pros/+/answers"},
		{"default topic", cfg.MQTT.Topics.Status, "jobs/%s/status"},
		{"offer_timeout", cfg.Dispatch.OfferTimeout, 2 * time.Minute},
		{"pool_limit env", cfg.Dispatch.PoolLimit, 7},
		{"max_radius_km", cfg.Dispatch.MaxRadiusKm, 40.0},
		{"proximity weight", cfg.Dispatch.DefaultWeights.Proximity, 0.5},
		{"fee threshold", cfg.Fee.ProximityThresholdMinutes, 7},
		{"individual tax kept", cfg.Fee.IndividualTaxRate, 20.0},
		{"store backend", cfg.Store.Backend, "sqlite"},
		{"store path", cfg.Store.Path, "jobdispatch.db"},
		{"redis addr", cfg.Timeouts.Redis.Addr, "redis:6379"},
		{"redis poll", cfg.Timeouts.Redis.PollInterval, time.Second},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"audit backend", cfg.Audit.Backend, "sqlite"},
		{"http addr", cfg.HTTP.Addr, ":8080"},
		{"log level", cfg.Log.Level, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s mismatch: %v", c.name, c.got)
		}
	}
}

func TestLoadJSONDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{"geo": {"average_speed_kmh": 40}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Dispatch.OfferTimeout != 5*time.Minute {
		t.Errorf("offer timeout: %v", cfg.Dispatch.OfferTimeout)
	}
	if cfg.Store.Backend != "memory" || cfg.Timeouts.Backend != "memory" {
		t.Errorf("backends: %s %s", cfg.Store.Backend, cfg.Timeouts.Backend)
	}
	if cfg.Audit.Path != "dispatch-audit.log" {
		t.Errorf("audit path: %s", cfg.Audit.Path)
	}
	est := cfg.Geo.Estimator()
	if est.AverageSpeedKmh != 40 {
		t.Errorf("estimator speed: %v", est.AverageSpeedKmh)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name, file, data, want string
	}{
		{"format", "config.toml", "", "unsupported config format"},
		{"store", "c.yaml", "store:\n  backend: postgres\n", "store"},
		{"timeouts", "c.yaml", "timeouts:\n  backend: cron\n", "timeouts"},
		{"audit", "c.yaml", "audit:\n  backend: kafka\n", "audit"},
		{"weights", "c.yaml", "dispatch:\n  default_weights:\n    proximity: -1\n", "dispatch"},
		{"offer timeout", "c.yaml", "dispatch:\n  offer_timeout: 10ms\n", "dispatch"},
		{"mqtt client", "c.yaml", "mqtt:\n  broker: tcp://b:1883\n", "mqtt"},
		{"payment credentials", "c.yaml", "payment:\n  base_url: http://pay\n", "payment"},
		{"log level", "c.yaml", "log:\n  level: loud\n", "log"},
		{"sentry dsn", "c.yaml", "sentry:\n  dsn: not-a-dsn\n", "sentry"},
		{"sentry sample rate", "c.yaml", "sentry:\n  dsn: https://key@o1.ingest.sentry.io/1\n  traces_sample_rate: 2\n", "sentry"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.file, tc.data))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadSentryDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "c.yaml", "sentry:\n  dsn: https://key@o1.ingest.sentry.io/1\n  traces_sample_rate: 0.25\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sentry.Environment != "production" || cfg.Sentry.Release != "jobdispatch" {
		t.Errorf("sentry defaults: %+v", cfg.Sentry)
	}
	if cfg.Sentry.TracesSampleRate != 0.25 {
		t.Errorf("sample rate: %v", cfg.Sentry.TracesSampleRate)
	}

	off, err := Load(writeConfig(t, "c.yaml", "log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if off.Sentry != (SentryConfig{}) {
		t.Errorf("sentry without dsn: %+v", off.Sentry)
	}
}
