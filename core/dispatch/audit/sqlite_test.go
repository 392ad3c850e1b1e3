package audit

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStore_PersistQuery(t *testing.T) {
	store, err := NewSQLiteStore("file:audit_test.db?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	now := time.Now()
	recs := []Record{
		{Timestamp: now, Kind: KindAttempt, JobID: "j1", AgentID: "a1", AttemptID: "at1", Status: "pending",
			Detail: map[string]any{"score": 0.87}},
		{Timestamp: now.Add(time.Second), Kind: KindAttempt, JobID: "j1", AgentID: "a2", Status: "pending"},
		{Timestamp: now.Add(2 * time.Second), Kind: KindWeightsChanged, Detail: map[string]any{"version": 2}},
	}
	for _, r := range recs {
		if err := store.Append(context.Background(), r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	out, err := store.Query(context.Background(), Query{JobID: "j1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if out[0].AttemptID != "at1" || out[0].Detail["score"] != 0.87 {
		t.Fatalf("unexpected record %+v", out[0])
	}
	all, err := store.Query(context.Background(), Query{Start: now.Add(500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 2 || all[1].Kind != KindWeightsChanged {
		t.Fatalf("unexpected range result %+v", all)
	}
}
