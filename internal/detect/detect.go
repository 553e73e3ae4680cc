// Package detect is the Detection Log: an append-only, per-event record of
// observed hostnames attributed to authenticated users, persisted to sqlite.
package detect

import (
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"wardennet/internal/classify"
	"wardennet/internal/clock"
	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/logging"
)

// Detection is one observed hostname attributed to a user.
type Detection struct {
	Ts       time.Time
	UserID   string
	Hostname string
	Category classify.Category
}

// maxPendingBatches bounds the writer queue. If the sqlite writer falls
// behind, the oldest pending batch is dropped rather than blocking the
// observer pipeline.
const maxPendingBatches = 64

// StoreUnavailable handling: a transient sqlite error is retried a bounded
// number of times with exponential backoff before giving up for this pass.
// A batch that still hasn't been written once it has sat in the in-memory
// buffer longer than pendingRetention is dropped rather than retried forever.
const (
	writeRetryAttempts  = 3
	writeRetryBaseDelay = 100 * time.Millisecond
	writeRetryMaxDelay  = 2 * time.Second
	pendingRetention    = 5 * time.Minute
)

// pendingBatch is one queued write, timestamped so the writer can tell how
// long it has been waiting once every retry in a pass has failed.
type pendingBatch struct {
	batch        []Detection
	firstAttempt time.Time
}

// Log is the Detection Log writer. Batches are pushed via Ingest; a single
// background goroutine drains them into sqlite.
type Log struct {
	db  *sql.DB
	log *logging.Logger

	mu      sync.Mutex
	pending []pendingBatch
	cond    *sync.Cond
	closed  bool
	done    chan struct{}

	droppedBatches int64
}

// Open opens (or creates) the sqlite-backed detection log and starts its
// writer goroutine.
func Open(path string, log *logging.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "open detection db")
	}
	l := &Log{db: db, log: log, done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go l.writeLoop()
	return l, nil
}

func (l *Log) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS detections (
		ts        INTEGER NOT NULL,
		user_id   TEXT NOT NULL,
		hostname  TEXT NOT NULL,
		category  TEXT NOT NULL,
		count     INTEGER NOT NULL DEFAULT 1,
		UNIQUE(user_id, hostname, ts)
	);
	CREATE INDEX IF NOT EXISTS idx_detections_user_ts ON detections(user_id, ts);
	CREATE INDEX IF NOT EXISTS idx_detections_ts ON detections(ts);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Ingest accepts one raw batch. Within the batch, records are deduplicated
// by (user_id, hostname) — only the first survives, matching the rule that
// prevents a single bursty hostname from dominating the Aggregator's window.
// Records whose UserID is empty (unresolved source IP) are dropped.
func (l *Log) Ingest(batch []Detection) {
	deduped := dedupeBatch(batch)
	if len(deduped) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if len(l.pending) >= maxPendingBatches {
		l.pending = l.pending[1:]
		l.droppedBatches++
		if l.log != nil {
			l.log.Warn("detection log writer backlogged, dropping oldest batch", "dropped_batches", l.droppedBatches)
		}
	}
	l.pending = append(l.pending, pendingBatch{batch: deduped, firstAttempt: clock.Now()})
	l.cond.Signal()
}

func dedupeBatch(batch []Detection) []Detection {
	seen := make(map[string]bool, len(batch))
	out := make([]Detection, 0, len(batch))
	for _, d := range batch {
		if d.UserID == "" {
			continue
		}
		key := d.UserID + "\x00" + d.Hostname
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

func (l *Log) writeLoop() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.pending) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed && len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		pb := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		succeeded, dropped := l.writeWithRetry(l.writeBatch, pb)
		if succeeded {
			continue
		}
		l.mu.Lock()
		if dropped {
			l.droppedBatches++
			count := l.droppedBatches
			l.mu.Unlock()
			if l.log != nil {
				l.log.Warn("detection batch exceeded retention window, dropping", "dropped_batches", count)
			}
			continue
		}
		l.pending = append(l.pending, pb)
		l.mu.Unlock()
	}
}

// writeWithRetry attempts write up to writeRetryAttempts times, doubling the
// delay between attempts up to writeRetryMaxDelay. If every attempt in this
// pass fails, the batch is dropped only once it has aged past
// pendingRetention since it was first queued; otherwise dropped is false and
// the caller is expected to requeue pb for a later pass.
func (l *Log) writeWithRetry(write func([]Detection) error, pb pendingBatch) (succeeded, dropped bool) {
	delay := writeRetryBaseDelay
	var err error
	for attempt := 0; attempt < writeRetryAttempts; attempt++ {
		if err = write(pb.batch); err == nil {
			return true, false
		}
		if attempt < writeRetryAttempts-1 {
			time.Sleep(delay)
			delay *= 2
			if delay > writeRetryMaxDelay {
				delay = writeRetryMaxDelay
			}
		}
	}
	if l.log != nil {
		l.log.WithError(err).Warn("detection log write failed after retry")
	}
	return false, clock.Now().Sub(pb.firstAttempt) > pendingRetention
}

func (l *Log) writeBatch(batch []Detection) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO detections (ts, user_id, hostname, category, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(user_id, hostname, ts) DO UPDATE SET count = count + 1
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, d := range batch {
		if _, err := stmt.Exec(d.Ts.Unix(), d.UserID, d.Hostname, string(d.Category)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DroppedBatches reports how many batches were dropped for backpressure.
func (l *Log) DroppedBatches() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.droppedBatches
}

// DB exposes the underlying handle for the Aggregator's windowed queries.
func (l *Log) DB() *sql.DB {
	return l.db
}

// Close stops the writer goroutine after draining pending batches, then
// closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.done
	return l.db.Close()
}
