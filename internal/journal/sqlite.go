// ABOUTME: SQLite-backed journal using modernc.org/sqlite
// ABOUTME: A single writer goroutine drains a bounded queue into the journal table

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/orbit-sync/internal/metrics"
)

// tsLayout is fixed width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Options configures a SQLiteJournal.
type Options struct {
	// Buffer is the queue length. Zero means 256.
	Buffer  int
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// SQLiteJournal persists entries to a SQLite database.
type SQLiteJournal struct {
	db      *sql.DB
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex // guards queue against send after close
	queue   chan Entry
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// Open creates or opens the journal at path. Parent directories are created
// if needed.
func Open(path string, opts Options) (*SQLiteJournal, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection: the writer and Recent share it, which sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS journal (
			id          TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			target      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			detail_json TEXT,
			ts          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_journal_ts ON journal(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	j := &SQLiteJournal{
		db:      db,
		metrics: opts.Metrics,
		logger:  logger,
		queue:   make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go j.writer()

	logger.Info("journal opened", "path", path)
	return j, nil
}

// Record queues e. It never blocks: when the queue is full the entry is
// dropped and counted.
func (j *SQLiteJournal) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
		j.metrics.JournalDrop()
		j.logger.Debug("journal queue full, dropping entry", "action", e.Action)
	}
}

// Dropped returns how many entries were dropped on a full queue.
func (j *SQLiteJournal) Dropped() uint64 {
	return j.dropped.Load()
}

// Recent returns up to limit entries, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, action, outcome, target, error, detail_json, ts
		FROM journal
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			detail sql.NullString
			ts     string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Outcome, &e.Target, &e.Error, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding detail of %s: %w", e.ID, err)
			}
		}
		e.Timestamp, err = time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes queued entries and closes the database.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

func (j *SQLiteJournal) writer() {
	defer close(j.done)
	for e := range j.queue {
		if err := j.insert(e); err != nil {
			j.logger.Warn("journal write failed", "action", e.Action, "error", err)
		}
	}
}

func (j *SQLiteJournal) insert(e Entry) error {
	var detail *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling detail: %w", err)
		}
		s := string(data)
		detail = &s
	}

	_, err := j.db.Exec(`
		INSERT INTO journal (id, action, outcome, target, error, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Action, e.Outcome, e.Target, e.Error, detail, e.Timestamp.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}
