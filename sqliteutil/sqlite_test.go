package sqliteutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCheckMissingFileIsHealthy(t *testing.T) {
	h, err := Check(filepath.Join(t.TempDir(), "none.db"), time.Second, nil)
	if err != nil || !h.OK {
		t.Fatalf("expected healthy result for missing file, got %+v (%v)", h, err)
	}
}

func TestOpenHealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "ok.db")
	db, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec("create table t (id integer)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	h, err := Check(path, time.Second, nil)
	if err != nil || !h.OK || h.Quarantined {
		t.Fatalf("expected healthy file, got %+v (%v)", h, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db to remain: %v", err)
	}
}

func TestCheckQuarantinesCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	if err := os.WriteFile(path, []byte("not a sqlite database"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path+"-journal", []byte("sidecar"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	h, err := Check(path, time.Second, func(string, ...any) {})
	if err != nil {
		t.Fatalf("expected quarantine, got error %v", err)
	}
	if h.OK || !h.Quarantined || !strings.Contains(h.QuarantinePath, ".bad-") {
		t.Fatalf("unexpected result %+v", h)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original file moved, stat err=%v", err)
	}
	if _, err := os.Stat(path + "-journal"); err == nil {
		t.Fatalf("expected sidecar moved")
	}

	db, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("expected fresh open after quarantine: %v", err)
	}
	db.Close()
}
