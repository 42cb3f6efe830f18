// Package recorder persists accepted DCIs to SQLite asynchronously.
// The search loop never blocks on it: a full queue drops records and counts them.
package recorder

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gebegb3j/falcon/config"
	"github.com/gebegb3j/falcon/dci"
	"github.com/gebegb3j/falcon/phy"
	"github.com/gebegb3j/falcon/sqliteutil"

	"github.com/google/uuid"
)

// Writer batches DCI entries into a SQLite table tagged with a session id.
type Writer struct {
	cfg     config.RecorderConfig
	db      *sql.DB
	session string
	queue   chan dci.Entry
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewWriter opens the database at cfg.DBPath and prepares the schema.
// Call Start to begin draining the queue.
func NewWriter(cfg config.RecorderConfig) (*Writer, error) {
	db, err := sqliteutil.Open(cfg.DBPath, time.Duration(cfg.BusyTimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 500
	}
	return &Writer{
		cfg:     cfg,
		db:      db,
		session: uuid.NewString(),
		queue:   make(chan dci.Entry, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Session returns the id stored with every row written by this writer.
func (w *Writer) Session() string {
	if w == nil {
		return ""
	}
	return w.session
}

// Start launches the insert loop.
func (w *Writer) Start() {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.insertLoop()
}

// Close flushes queued entries and closes the database.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.once.Do(func() {
		close(w.stop)
		if w.started.CompareAndSwap(false, true) {
			w.insertLoop()
		}
		<-w.done
		err = w.db.Close()
	})
	return err
}

// Enqueue queues entries without blocking; entries that do not fit are dropped.
func (w *Writer) Enqueue(entries []dci.Entry) {
	if w == nil {
		return
	}
	for _, e := range entries {
		select {
		case w.queue <- e:
		default:
			w.dropped.Add(1)
		}
	}
}

// Dropped returns how many entries were discarded on a full queue.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// Written returns how many rows were committed.
func (w *Writer) Written() uint64 {
	if w == nil {
		return 0
	}
	return w.written.Load()
}

func (w *Writer) insertLoop() {
	defer close(w.done)
	interval := time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond
	batch := make([]dci.Entry, 0, w.cfg.BatchSize)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
				default:
					w.flush(batch)
					return
				}
			}
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

func (w *Writer) flush(batch []dci.Entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("recorder: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert into dci(session, ts, sfn, sf_idx, cfi, rnti, format, uplink, ncce, l, frequency, alloc_lo, alloc_hi, nbits, payload, fingerprint) values(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("recorder: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	var n uint64
	for _, e := range batch {
		if _, err := stmt.Exec(
			w.session,
			e.Timestamp.UTC().UnixNano(),
			e.SFN,
			e.SubframeIndex,
			e.CFI,
			int64(e.RNTI),
			e.Format.String(),
			boolToInt(e.Uplink),
			e.NCCE,
			e.L,
			e.Frequency,
			int64(e.Allocation[0]),
			int64(e.Allocation[1]),
			e.NBits,
			e.Payload,
			int64(e.Fingerprint),
		); err != nil {
			log.Printf("recorder: insert failed: %v", err)
			continue
		}
		n++
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("recorder: commit: %v", err)
		return
	}
	w.written.Add(n)
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists dci (
		id integer primary key autoincrement,
		session text,
		ts integer,
		sfn integer,
		sf_idx integer,
		cfi integer,
		rnti integer,
		format text,
		uplink integer,
		ncce integer,
		l integer,
		frequency integer,
		alloc_lo integer,
		alloc_hi integer,
		nbits integer,
		payload blob,
		fingerprint integer
	);
	create index if not exists idx_dci_ts on dci(ts);
	create index if not exists idx_dci_rnti_ts on dci(rnti, ts);
	create index if not exists idx_dci_session on dci(session);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("recorder: schema: %w", err)
	}
	return nil
}

// Recent returns up to limit rows of this writer's session, newest first.
func (w *Writer) Recent(limit int) ([]dci.Entry, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("recorder: writer is nil")
	}
	if limit <= 0 {
		return []dci.Entry{}, nil
	}
	rows, err := w.db.Query(`select ts, sfn, sf_idx, cfi, rnti, format, uplink, ncce, l, frequency, alloc_lo, alloc_hi, nbits, payload, fingerprint from dci where session = ? order by id desc limit ?`, w.session, limit)
	if err != nil {
		return nil, fmt.Errorf("recorder: query recent: %w", err)
	}
	defer rows.Close()

	out := make([]dci.Entry, 0, limit)
	for rows.Next() {
		var (
			e          dci.Entry
			ts         int64
			rnti       int64
			format     string
			uplink     int
			lo, hi, fp int64
		)
		if err := rows.Scan(&ts, &e.SFN, &e.SubframeIndex, &e.CFI, &rnti, &format, &uplink, &e.NCCE, &e.L, &e.Frequency, &lo, &hi, &e.NBits, &e.Payload, &fp); err != nil {
			return nil, fmt.Errorf("recorder: scan recent: %w", err)
		}
		f, err := phy.ParseFormat(format)
		if err != nil {
			return nil, fmt.Errorf("recorder: row format: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.RNTI = uint16(rnti)
		e.Format = f
		e.Uplink = uplink > 0
		e.Allocation = phy.Allocation{uint64(lo), uint64(hi)}
		e.Fingerprint = uint64(fp)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: iterate recent: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
