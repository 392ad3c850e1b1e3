package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/jobdispatch/core/metrics"
	"github.com/kilianp07/jobdispatch/infra/logger"
)

// InfluxSink writes dispatch records to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// InfluxConfig holds the InfluxDB connection settings.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAttempt writes one attempt_event point.
func (s *InfluxSink) RecordAttempt(rec coremetrics.AttemptRecord) error {
	p := write.NewPointWithMeasurement("attempt_event").
		AddTag("job_id", rec.JobID).
		AddTag("agent_id", rec.AgentID).
		AddTag("status", string(rec.Status)).
		AddTag("component", "dispatch_engine").
		AddField("attempt_order", rec.Order).
		AddField("run", rec.Run).
		AddField("score", round3(rec.Score)).
		AddField("response_s", round3(rec.ResponseTime.Seconds())).
		SetTime(rec.Time)
	return s.write(p)
}

// RecordDispatchRun writes one dispatch_run point.
func (s *InfluxSink) RecordDispatchRun(rec coremetrics.DispatchRunRecord) error {
	p := write.NewPointWithMeasurement("dispatch_run").
		AddTag("job_id", rec.JobID).
		AddTag("outcome", rec.Outcome).
		AddTag("weights_version", strconv.Itoa(rec.WeightsVersion)).
		AddField("run", rec.Run).
		AddField("candidates", rec.Candidates).
		AddField("duration_ms", round3(float64(rec.Duration)/float64(time.Millisecond))).
		SetTime(rec.Time)
	return s.write(p)
}

// RecordCancellation writes one client_cancellation point.
func (s *InfluxSink) RecordCancellation(rec coremetrics.CancellationRecord) error {
	p := write.NewPointWithMeasurement("client_cancellation").
		AddTag("job_id", rec.JobID).
		AddTag("from", string(rec.PrevStatus)).
		AddTag("fee", strconv.FormatBool(rec.FeeApplied)).
		AddField("total_amount", round3(rec.TotalAmount)).
		AddField("capture_failed", rec.CaptureFailed).
		SetTime(rec.Time)
	return s.write(p)
}

// RecordNotification writes one notification point.
func (s *InfluxSink) RecordNotification(rec coremetrics.NotificationRecord) error {
	p := write.NewPointWithMeasurement("notification").
		AddTag("job_id", rec.JobID)
	if rec.AgentID != "" {
		p = p.AddTag("agent_id", rec.AgentID)
	}
	if rec.AttemptID != "" {
		p = p.AddTag("attempt_id", rec.AttemptID)
	}
	p = p.AddField("latency_ms", round3(rec.Latency.Seconds()*1000)).
		AddField("errors", rec.Error).
		SetTime(rec.Time)
	return s.write(p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
