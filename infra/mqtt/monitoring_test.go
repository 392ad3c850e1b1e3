package mqtt

import (
	"context"
	"fmt"
	"testing"

	coremon "github.com/kilianp07/jobdispatch/core/monitoring"
)

func TestPublishErrorCaptured(t *testing.T) {
	mc := &fakeBroker{failures: []error{fmt.Errorf("net fail"), fmt.Errorf("net fail")}}
	useFakeBroker(t, mc)
	mon := &coremon.Recorder{}
	coremon.Init(mon)
	defer coremon.Init(coremon.NopMonitor{})

	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := cli.PublishJSON(context.Background(), "agents/a1/notifications", "notification", false, "x"); err == nil {
		t.Fatalf("expected error")
	}
	caps := mon.Captures()
	if len(caps) != 1 {
		t.Fatalf("error not captured")
	}
	if caps[0].Tags["topic"] != "agents/a1/notifications" || caps[0].Tags["module"] != "mqtt" {
		t.Fatalf("tags not set: %v", caps[0].Tags)
	}
}

func TestPublishStopsOnCancelledContext(t *testing.T) {
	mc := &fakeBroker{failures: []error{fmt.Errorf("net fail"), fmt.Errorf("net fail"), fmt.Errorf("net fail")}}
	useFakeBroker(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 2, BackoffMS: 1000})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cli.PublishJSON(ctx, "t", "notification", false, "x"); err == nil {
		t.Fatalf("expected error")
	}
	if n := len(mc.publications()); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}
