package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostwaf/hostwaf/internal/domain/event"
)

func newTestSink(t *testing.T) (*FileSink, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileSink(dir, 7, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestFileSinkAppendAndRecent(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"e1", "e2", "e3"} {
		err := s.Append(ctx, event.Record{ID: id, Timestamp: now, Action: event.ActionAllow, Context: "global"})
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	recent := s.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("recent returned %d, want 2", len(recent))
	}
	if recent[0].ID != "e3" || recent[1].ID != "e2" {
		t.Errorf("recent order = %s, %s; want e3, e2", recent[0].ID, recent[1].ID)
	}
	if got := s.Recent(100); len(got) != 3 {
		t.Errorf("recent(100) returned %d, want all 3", len(got))
	}
}

func TestFileSinkAggregate(t *testing.T) {
	s, dir := newTestSink(t)
	ctx := context.Background()
	now := time.Now().UTC()
	date := now.Format("2006-01-02")

	records := []event.Record{
		{ID: "e1", Timestamp: now, Action: event.ActionBlock, RuleID: "r1", Context: "global", Alert: true},
		{ID: "e2", Timestamp: now, Action: event.ActionBlock, RuleID: "r1", Context: "global"},
		{ID: "e3", Timestamp: now, Action: event.ActionAllow, Context: "rt1", Dropped: 4},
		{ID: "e4", Timestamp: now, Action: event.ActionFinalDeny, RuleID: "unrouted-host", Context: "global"},
	}
	if err := s.Append(ctx, records...); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Aggregate(ctx); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "events-summary-"+date+".json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var sum Summary
	if err := json.Unmarshal(b, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}

	if sum.Date != date || sum.Total != 4 {
		t.Errorf("summary header = %s total %d", sum.Date, sum.Total)
	}
	if sum.ByAction[event.ActionBlock] != 2 || sum.ByAction[event.ActionAllow] != 1 {
		t.Errorf("by_action = %v", sum.ByAction)
	}
	if sum.ByRule["r1"] != 2 {
		t.Errorf("by_rule = %v", sum.ByRule)
	}
	if sum.ByContext["global"] != 3 || sum.ByContext["rt1"] != 1 {
		t.Errorf("by_context = %v", sum.ByContext)
	}
	if sum.Alerts != 1 || sum.Dropped != 4 {
		t.Errorf("alerts = %d dropped = %d", sum.Alerts, sum.Dropped)
	}
}

func TestFileSinkAggregateSkipsTornLines(t *testing.T) {
	s, dir := newTestSink(t)
	ctx := context.Background()
	now := time.Now().UTC()
	date := now.Format("2006-01-02")

	if err := s.Append(ctx, event.Record{ID: "e1", Timestamp: now, Action: event.ActionAllow, Context: "rt1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Simulate a torn tail from a crash mid-write.
	f, err := os.OpenFile(filepath.Join(dir, "events-"+date+".log"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := f.WriteString(`{"id":"torn`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	if err := s.Aggregate(ctx); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "events-summary-"+date+".json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var sum Summary
	if err := json.Unmarshal(b, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Total != 1 {
		t.Errorf("total = %d, want 1 with the torn line skipped", sum.Total)
	}
}

func TestFileSinkAggregateRerunsCleanly(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()

	if err := s.Append(ctx, event.Record{ID: "e1", Timestamp: time.Now().UTC(), Action: event.ActionAllow, Context: "rt1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Aggregate(ctx); err != nil {
		t.Fatalf("first aggregate: %v", err)
	}
	if err := s.Aggregate(ctx); err != nil {
		t.Fatalf("second aggregate: %v", err)
	}
}
