// Package eventlog persists per-request decision events as JSON Lines
// with rotation, plus periodic aggregation into daily summaries.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hostwaf/hostwaf/internal/adapter/outbound/logfile"
	"github.com/hostwaf/hostwaf/internal/domain/event"
)

// FileSink implements event.Sink and event.Aggregator over a rotating
// JSONL stream.
type FileSink struct {
	dir    string
	writer *logfile.Writer
	logger *slog.Logger

	mu     sync.Mutex
	recent []event.Record
	max    int
}

var (
	_ event.Sink       = (*FileSink)(nil)
	_ event.Aggregator = (*FileSink)(nil)
)

// NewFileSink opens the event stream under dir.
func NewFileSink(dir string, retentionDays int, logger *slog.Logger) (*FileSink, error) {
	w, err := logfile.NewWriter(logfile.Config{
		Dir:           dir,
		Prefix:        "events",
		RetentionDays: retentionDays,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open event sink: %w", err)
	}
	return &FileSink{dir: dir, writer: w, logger: logger, max: 1000}, nil
}

// Append writes records as JSON lines and tracks the in-memory tail.
func (s *FileSink) Append(ctx context.Context, records ...event.Record) error {
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal event record: %w", err)
		}
		if err := s.writer.WriteLine(rec.Timestamp, b); err != nil {
			return err
		}
		s.remember(rec)
	}
	return nil
}

// Recent returns up to n events, newest first.
func (s *FileSink) Recent(n int) []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]event.Record, n)
	for i := 0; i < n; i++ {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out
}

func (s *FileSink) remember(rec event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, rec)
	if len(s.recent) > s.max {
		s.recent = s.recent[len(s.recent)-s.max:]
	}
}

// Close flushes and closes the stream.
func (s *FileSink) Close() error { return s.writer.Close() }

// Summary is one day's folded event counts.
type Summary struct {
	Date        string           `json:"date"`
	GeneratedAt time.Time        `json:"generated_at"`
	Total       int64            `json:"total"`
	ByAction    map[string]int64 `json:"by_action"`
	ByRule      map[string]int64 `json:"by_rule"`
	ByContext   map[string]int64 `json:"by_context"`
	Alerts      int64            `json:"alerts"`
	Dropped     int64            `json:"dropped"`
}

// Aggregate folds every event file into per-day summaries and writes them
// alongside the stream as events-summary-<date>.json. Safe to re-run;
// summaries are rebuilt from scratch each pass.
func (s *FileSink) Aggregate(ctx context.Context) error {
	if err := s.writer.Sync(); err != nil {
		return fmt.Errorf("sync event stream: %w", err)
	}
	files, err := s.writer.Files()
	if err != nil {
		return err
	}

	byDate := make(map[string]*Summary)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.foldFile(path, byDate); err != nil {
			return err
		}
	}

	for date, sum := range byDate {
		sum.GeneratedAt = time.Now().UTC()
		b, err := json.MarshalIndent(sum, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal summary %s: %w", date, err)
		}
		path := filepath.Join(s.dir, "events-summary-"+date+".json")
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return fmt.Errorf("write summary %s: %w", date, err)
		}
	}
	s.logger.Info("event aggregation complete", "days", len(byDate))
	return nil
}

func (s *FileSink) foldFile(path string, byDate map[string]*Summary) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open event file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec event.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// A torn tail line from a crash is skipped, not fatal.
			s.logger.Warn("skipping unparseable event line", "file", filepath.Base(path))
			continue
		}
		date := rec.Timestamp.UTC().Format("2006-01-02")
		sum, ok := byDate[date]
		if !ok {
			sum = &Summary{
				Date:      date,
				ByAction:  make(map[string]int64),
				ByRule:    make(map[string]int64),
				ByContext: make(map[string]int64),
			}
			byDate[date] = sum
		}
		sum.Total++
		sum.ByAction[rec.Action]++
		if rec.RuleID != "" {
			sum.ByRule[rec.RuleID]++
		}
		sum.ByContext[rec.Context]++
		if rec.Alert {
			sum.Alerts++
		}
		sum.Dropped += rec.Dropped
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event file: %w", err)
	}
	return nil
}
