// Package logfile provides an append-only JSON Lines writer with daily
// rotation, size caps, and retention cleanup. The audit and event sinks
// share it.
package logfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Config holds rotation settings for one log stream.
type Config struct {
	// Dir is where log files are stored.
	Dir string
	// Prefix names the stream; files are <prefix>-YYYY-MM-DD[-N].log.
	Prefix string
	// RetentionDays is how long rotated files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB caps a single file before suffix rotation (default 100).
	MaxFileSizeMB int
}

// Writer appends JSON lines to date-stamped files, rotating on date
// change and size.
type Writer struct {
	dir           string
	prefix        string
	pattern       *regexp.Regexp
	maxFileSize   int64
	retentionDays int

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	logger *slog.Logger
	cancel context.CancelFunc
}

type fileInfo struct {
	name   string
	date   string
	suffix int
}

// NewWriter creates the directory, opens today's file, runs retention
// cleanup, and starts the hourly cleanup loop.
func NewWriter(cfg Config, logger *slog.Logger) (*Writer, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		dir:           cfg.Dir,
		prefix:        cfg.Prefix,
		pattern:       regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.Prefix) + `-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`),
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := w.openCurrent(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open log file: %w", err)
	}
	w.runCleanup()
	go w.cleanupLoop(ctx)
	return w, nil
}

// WriteLine appends one JSON line, rotating first if the record's date or
// the size cap requires it.
func (w *Writer) WriteLine(ts time.Time, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("log writer closed")
	}

	dateStr := ts.UTC().Format("2006-01-02")
	if dateStr != w.currentDate {
		if err := w.rotateDateLocked(dateStr); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if w.currentSize >= w.maxFileSize {
		if err := w.rotateSizeLocked(); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}

	n, err := w.currentFile.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	w.currentSize += int64(n)
	return nil
}

// Sync flushes the current file to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile != nil {
		return w.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup loop and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.cancel()
	if w.currentFile != nil {
		_ = w.currentFile.Sync()
		err := w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	return nil
}

// Files returns the stream's files in chronological order, oldest first.
func (w *Writer) Files() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}
	var infos []fileInfo
	for _, e := range entries {
		if info, ok := w.parseName(e.Name()); ok {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].date != infos[j].date {
			return infos[i].date < infos[j].date
		}
		return infos[i].suffix < infos[j].suffix
	})
	paths := make([]string, len(infos))
	for i, info := range infos {
		paths[i] = filepath.Join(w.dir, info.name)
	}
	return paths, nil
}

func (w *Writer) parseName(name string) (fileInfo, bool) {
	m := w.pattern.FindStringSubmatch(name)
	if m == nil {
		return fileInfo{}, false
	}
	info := fileInfo{name: name, date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return fileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

func (w *Writer) openCurrent(dateStr string) error {
	suffix := w.highestSuffix(dateStr)
	f, size, err := w.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = dateStr
	w.currentSize = size
	w.currentSuffix = suffix
	return nil
}

func (w *Writer) highestSuffix(dateStr string) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := w.parseName(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (w *Writer) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	name := w.buildName(dateStr, suffix)
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", name, err)
	}
	return f, info.Size(), nil
}

func (w *Writer) buildName(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("%s-%s.log", w.prefix, dateStr)
	}
	return fmt.Sprintf("%s-%s-%d.log", w.prefix, dateStr, suffix)
}

// rotateDateLocked switches to a fresh file for the new date.
func (w *Writer) rotateDateLocked(dateStr string) error {
	if w.currentFile != nil {
		_ = w.currentFile.Sync()
		_ = w.currentFile.Close()
		w.currentFile = nil
	}
	return w.openCurrent(dateStr)
}

// rotateSizeLocked moves to the next suffix for the current date.
func (w *Writer) rotateSizeLocked() error {
	if w.currentFile != nil {
		_ = w.currentFile.Sync()
		_ = w.currentFile.Close()
		w.currentFile = nil
	}
	suffix := w.currentSuffix + 1
	f, size, err := w.openFile(w.currentDate, suffix)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentSize = size
	w.currentSuffix = suffix
	return nil
}

func (w *Writer) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// runCleanup deletes files older than the retention window.
func (w *Writer) runCleanup() {
	cutoff := time.Now().UTC().AddDate(0, 0, -w.retentionDays).Format("2006-01-02")
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("log cleanup: read directory", "error", err)
		return
	}
	for _, e := range entries {
		info, ok := w.parseName(e.Name())
		if !ok || info.date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, info.name)); err != nil {
			w.logger.Warn("log cleanup: remove file", "file", info.name, "error", err)
		} else {
			w.logger.Info("log cleanup: removed expired file", "file", info.name)
		}
	}
}
