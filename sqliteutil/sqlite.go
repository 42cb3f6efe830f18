// Package sqliteutil opens SQLite files for the recorder. A file that fails a
// checkpoint or quick_check is moved aside so a session can start on a fresh one.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Health reports what Check found.
type Health struct {
	OK             bool
	Quarantined    bool
	QuarantinePath string
	Elapsed        time.Duration
	CheckpointErr  error
	QuickCheckErr  error
}

var sidecarSuffixes = []string{"", "-wal", "-shm", "-journal"}

// Check runs a bounded WAL checkpoint and quick_check on an existing file.
// A missing file is healthy. A damaged file and its sidecars are renamed with
// a ".bad-<timestamp>" suffix.
func Check(path string, timeout time.Duration, logf func(string, ...any)) (Health, error) {
	var h Health
	if strings.TrimSpace(path) == "" {
		return h, errors.New("sqliteutil: empty path")
	}
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		h.OK = true
		return h, nil
	}
	present := existingFiles(path)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return h, fmt.Errorf("sqliteutil: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		db.Close()
		return h, fmt.Errorf("sqliteutil: busy_timeout: %w", err)
	}
	_, h.CheckpointErr = db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	h.QuickCheckErr = quickCheck(ctx, db)
	db.Close()
	h.Elapsed = time.Since(start)

	if h.CheckpointErr == nil && h.QuickCheckErr == nil {
		h.OK = true
		return h, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return h, fmt.Errorf("sqliteutil: check of %s timed out after %s", path, timeout)
	}

	suffix := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	for _, name := range present {
		if err := os.Rename(name, name+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return h, fmt.Errorf("sqliteutil: quarantine %s: %w", name, err)
		}
	}
	h.Quarantined = true
	h.QuarantinePath = path + suffix
	logf("sqliteutil: %s failed check (checkpoint=%v, quick_check=%v); moved to %s", path, h.CheckpointErr, h.QuickCheckErr, h.QuarantinePath)
	return h, nil
}

// Open checks path, creates its directory and returns a single-connection
// handle in WAL mode with the given busy timeout.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqliteutil: mkdir: %w", err)
	}
	if _, err := Check(path, busyTimeout, nil); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqliteutil: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d", busyTimeout.Milliseconds())
	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteutil: pragmas: %w", err)
	}
	return db, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func existingFiles(path string) []string {
	out := make([]string, 0, len(sidecarSuffixes))
	for _, suffix := range sidecarSuffixes {
		if _, err := os.Stat(path + suffix); err == nil {
			out = append(out, path+suffix)
		}
	}
	return out
}
