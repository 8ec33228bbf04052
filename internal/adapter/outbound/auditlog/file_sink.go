// Package auditlog persists configuration-change audit records as JSON
// Lines with rotation and a small in-memory tail for the admin API.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hostwaf/hostwaf/internal/adapter/outbound/logfile"
	"github.com/hostwaf/hostwaf/internal/domain/audit"
)

// FileSink implements audit.Sink over a rotating JSONL stream.
type FileSink struct {
	writer *logfile.Writer

	mu     sync.Mutex
	recent []audit.Record
	max    int
}

var _ audit.Sink = (*FileSink)(nil)

// NewFileSink opens the audit stream under dir.
func NewFileSink(dir string, retentionDays int, logger *slog.Logger) (*FileSink, error) {
	w, err := logfile.NewWriter(logfile.Config{
		Dir:           dir,
		Prefix:        "audit",
		RetentionDays: retentionDays,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	return &FileSink{writer: w, max: 1000}, nil
}

// Append writes records as JSON lines and tracks the in-memory tail.
func (s *FileSink) Append(ctx context.Context, records ...audit.Record) error {
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		if err := s.writer.WriteLine(rec.Timestamp, b); err != nil {
			return err
		}
		s.remember(rec)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *FileSink) Recent(n int) []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]audit.Record, n)
	for i := 0; i < n; i++ {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out
}

func (s *FileSink) remember(rec audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, rec)
	if len(s.recent) > s.max {
		s.recent = s.recent[len(s.recent)-s.max:]
	}
}

// Close flushes and closes the stream.
func (s *FileSink) Close() error { return s.writer.Close() }
