package metrics_test

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	metrics "github.com/kilianp07/jobdispatch/core/metrics"
	_ "github.com/kilianp07/jobdispatch/infra/metrics"
)

func TestNewMetricsSinkFromYAML(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		check   func(metrics.MetricsSink) bool
		wantErr string
	}{
		{
			name:  "no sinks",
			yaml:  "sinks: []\n",
			check: func(s metrics.MetricsSink) bool { _, ok := s.(metrics.NopSink); return ok },
		},
		{
			name:  "single sink is not wrapped",
			yaml:  "sinks:\n  - type: nop\n",
			check: func(s metrics.MetricsSink) bool { _, ok := s.(metrics.NopSink); return ok },
		},
		{
			name: "several sinks fan out",
			yaml: "sinks:\n  - type: nop\n  - type: influx\n    conf:\n      url: http://localhost:8086\n      bucket: dispatch\n",
			check: func(s metrics.MetricsSink) bool {
				m, ok := s.(*metrics.MultiSink)
				return ok && len(m.Sinks) == 2
			},
		},
		{name: "unknown type", yaml: "sinks:\n  - type: statsd\n", wantErr: "metrics sink 0 (statsd"},
		{name: "unknown type among known", yaml: "sinks:\n  - type: nop\n  - type: statsd\n", wantErr: "metrics sink 1 (statsd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg metrics.Config
			if err := yaml.Unmarshal([]byte(tc.yaml), &cfg); err != nil {
				t.Fatalf("yaml unmarshal: %v", err)
			}
			s, err := metrics.NewMetricsSink(cfg.Sinks)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected %q error, got %v", tc.wantErr, err)
				}
				if !strings.Contains(err.Error(), "influx,nop,prometheus") {
					t.Fatalf("error does not list known sinks: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if !tc.check(s) {
				t.Fatalf("unexpected sink %T", s)
			}
		})
	}
}

func TestSinkTypes(t *testing.T) {
	got := strings.Join(metrics.SinkTypes(), ",")
	if got != "influx,nop,prometheus" {
		t.Fatalf("sink types: %s", got)
	}
}
