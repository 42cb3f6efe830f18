package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gebegb3j/falcon/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "02-Jan-2006"
	maxLogBufferBytes  = 16 * 1024
	rotationQueueSize  = 4
)

// lineSink receives complete log lines.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

// consoleSink stamps lines and writes them to w.
type consoleSink struct {
	w io.Writer
}

func (s *consoleSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	_, _ = fmt.Fprintf(s.w, "%s %s\n", formatLogTimestamp(now), line)
}

func (s *consoleSink) Close() error { return nil }

type logRotateHook func(prevDate time.Time, prevPath, newPath string)

type rotation struct {
	hook     logRotateHook
	prevDate time.Time
	prevPath string
	newPath  string
}

// dailyFileSink keeps one file per UTC day and prunes files past retention.
// Rotate hooks run on the sink's own goroutine, never inside WriteLine, so a
// hook may log through the same logger that triggered the rotation.
type dailyFileSink struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	day           string
	path          string
	file          *os.File
	lastErrorAt   time.Time
	hook          logRotateHook
	closed        bool

	rotations chan rotation
	hooksDone chan struct{}
}

func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("logging: log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create %s: %w", dir, err)
	}
	if err := cleanupOldLogs(dir, time.Now(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "logging: cleanup of %s failed: %v\n", dir, err)
	}
	s := &dailyFileSink{
		dir:           dir,
		retentionDays: retentionDays,
		rotations:     make(chan rotation, rotationQueueSize),
		hooksDone:     make(chan struct{}),
	}
	go s.runHooks()
	return s, nil
}

func (s *dailyFileSink) runHooks() {
	defer close(s.hooksDone)
	for r := range s.rotations {
		r.hook(r.prevDate, r.prevPath, r.newPath)
	}
}

// Purpose: Append a timestamped line to the file of now's UTC date.
// Key aspects: A date change reopens the file and queues the rotate hook.
// Upstream: logFanout.
// Downstream: os.File, runHooks.
func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()
	day := now.Format(logFileDateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.file == nil || s.day != day {
		s.openLocked(day, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(formatLogTimestamp(now) + " " + line + "\n"); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("write %s: %w", s.path, err))
	}
}

// openLocked switches to the file for day and queues the rotate hook when an
// earlier day's file was open.
func (s *dailyFileSink) openLocked(day string, now time.Time) {
	prevDay, prevPath := s.day, s.path
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportErrorLocked(now, fmt.Errorf("open %s: %w", path, err))
		return
	}
	s.file, s.day, s.path = file, day, path
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("cleanup: %w", err))
	}

	if s.hook == nil || prevDay == "" || prevDay == day {
		return
	}
	prevDate, err := time.ParseInLocation(logFileDateLayout, prevDay, time.UTC)
	if err != nil {
		return
	}
	select {
	case s.rotations <- rotation{hook: s.hook, prevDate: prevDate, prevPath: prevPath, newPath: path}:
	default:
		s.reportErrorLocked(now, fmt.Errorf("rotate hook for %s skipped, queue full", prevDay))
	}
}

// SetRotateHook installs the function run after each daily rotation.
func (s *dailyFileSink) SetRotateHook(hook logRotateHook) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

// Close closes the file and waits for queued rotate hooks. It must not be
// called from a rotate hook.
func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.rotations)
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()
	<-s.hooksDone
	return err
}

// reportErrorLocked writes sink failures to stderr at most once a minute;
// the log itself may be what is failing.
func (s *dailyFileSink) reportErrorLocked(now time.Time, err error) {
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "logging: %v\n", err)
}

// logFanout is the log.Logger output: it reassembles lines and hands each to
// the console and the file sink.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	console lineSink
	file    lineSink
}

// Purpose: Build the log writer for a replay.
// Key aspects: Always returns a usable fanout; a file sink error only
// disables the file copy.
// Upstream: runReplay.
// Downstream: newDailyFileSink.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := &logFanout{console: &consoleSink{w: console}}
	if !cfg.Enabled {
		return fanout, nil
	}
	file, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.file = file
	return fanout, nil
}

func (f *logFanout) sinks() (console, file lineSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.console, f.file
}

// SetRotateHook installs hook on the file sink; a no-op without file logging.
func (f *logFanout) SetRotateHook(hook logRotateHook) {
	if f == nil {
		return
	}
	_, file := f.sinks()
	if s, ok := file.(interface{ SetRotateHook(logRotateHook) }); ok {
		s.SetRotateHook(hook)
	}
}

// Write implements io.Writer. A partial line is held until its newline
// arrives or it grows past maxLogBufferBytes.
func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	lines, rest := splitLines(f.pending)
	if len(rest) > maxLogBufferBytes {
		if tail := string(bytes.TrimRight(rest, "\r")); tail != "" {
			lines = append(lines, tail)
		}
		rest = nil
	}
	f.pending = append(f.pending[:0], rest...)
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// splitLines returns the complete lines in buf without their line endings and
// the unterminated remainder.
func splitLines(buf []byte) ([]string, []byte) {
	var lines []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return lines, buf
		}
		lines = append(lines, string(bytes.TrimRight(buf[:i], "\r")))
		buf = buf[i+1:]
	}
}

// Close closes both sinks and returns the file sink's error.
func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	console, file := f.sinks()
	if console != nil {
		_ = console.Close()
	}
	if file != nil {
		return file.Close()
	}
	return nil
}

// WriteFileOnlyLine bypasses the console. Per-subframe result lines and
// rotation summaries go here.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	if f == nil {
		return
	}
	if _, file := f.sinks(); file != nil {
		file.WriteLine(line, now)
	}
}

func formatLogTimestamp(now time.Time) string {
	return now.UTC().Format(logTimestampLayout)
}

func logFileNameForDate(now time.Time) string {
	return now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	base, ok := strings.CutSuffix(name, ".log")
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	return parsed, err == nil
}

// cleanupOldLogs keeps the files of the last retentionDays UTC days,
// today included.
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	oldest := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1-retentionDays)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if date, ok := parseLogFileDate(entry.Name()); ok && date.Before(oldest) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
