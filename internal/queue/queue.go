// Package queue is the crash-safe event log between local detection and
// cloud delivery. SQLite with WAL gives fsync-on-commit durability; every
// state transition commits before it is acknowledged, so a crash mid-drain
// leaves records pending and delivery stays at-least-once.
package queue

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsFS exposes the embedded schema for the standalone migrator.
func MigrationsFS() fs.FS {
	return migrationsFS
}

// MaxRetries is the terminal retry budget per event.
const MaxRetries = 5

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// ErrNotPending is returned when MarkProcessed targets a record that is not
// currently pending.
var ErrNotPending = errors.New("event is not pending")

// Event is the durable unit handed to the cloud.
type Event struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CameraID   int             `json:"camera_id"`
	Timestamp  string          `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
	RetryCount int             `json:"retry_count"`
}

// Stats is a point-in-time queue summary. TotalProcessed is monotonic
// across restarts and cleanup.
type Stats struct {
	Pending        int   `json:"pending"`
	Processed      int   `json:"processed"`
	Failed         int   `json:"failed"`
	TotalProcessed int64 `json:"total_processed"`
}

// Queue is a single-process persistent event queue. All writers serialize
// on an internal mutex; the drain side is single-consumer by design.
type Queue struct {
	db *sql.DB
	mu sync.Mutex

	processedCount atomic.Int64
}

// Open opens (creating parent directories as needed) and migrates the
// store at path.
func Open(path string) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// SQLite permits one writer; a single connection avoids SQLITE_BUSY
	// churn under concurrent producers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}

	q := &Queue{db: db}
	var count int64
	err = db.QueryRow(`SELECT value FROM stats WHERE key = 'processed_count'`).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("load processed_count: %w", err)
	}
	q.processedCount.Store(count)

	log.Printf("[Queue] Event queue initialized at %s (processed_count=%d)", path, count)
	return q, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends a pending record and returns its id. Safe from any
// producer goroutine.
func (q *Queue) Enqueue(e Event) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	data := e.Data
	if data == nil {
		data = json.RawMessage("{}")
	}
	res, err := q.db.Exec(`
		INSERT INTO events (type, camera_id, timestamp, data)
		VALUES (?, ?, ?, ?)`,
		e.Type, e.CameraID, e.Timestamp, string(data))
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return res.LastInsertId()
}

// GetPending returns up to batchSize oldest pending records with remaining
// retry budget, FIFO over created_at. Records are not leased; the drain is
// single-consumer.
func (q *Queue) GetPending(batchSize int) ([]Event, error) {
	rows, err := q.db.Query(`
		SELECT id, type, camera_id, timestamp, data, retry_count
		FROM events
		WHERE status = ? AND retry_count < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		StatusPending, MaxRetries, batchSize)
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(&e.ID, &e.Type, &e.CameraID, &e.Timestamp, &data, &e.RetryCount); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(data)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkProcessed transitions the given records to processed and bumps the
// monotonic processed counter in the same transaction. Fails without side
// effects if any id is not currently pending.
func (q *Queue) MarkProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders, args := inClause(ids)
	args = append([]interface{}{StatusProcessed, time.Now().Format(time.RFC3339)}, args...)
	args = append(args, StatusPending)

	res, err := tx.Exec(fmt.Sprintf(`
		UPDATE events
		SET status = ?, processed_at = ?
		WHERE id IN (%s) AND status = ?`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("%w: marked %d of %d", ErrNotPending, affected, len(ids))
	}

	if _, err := tx.Exec(`UPDATE stats SET value = value + ? WHERE key = 'processed_count'`, len(ids)); err != nil {
		return fmt.Errorf("bump processed_count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	q.processedCount.Add(int64(len(ids)))
	return nil
}

// MarkFailed increments retry counts; records reaching the retry budget go
// terminal failed, the rest stay pending and resurface on the next drain.
func (q *Queue) MarkFailed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	placeholders, args := inClause(ids)
	_, err := q.db.Exec(fmt.Sprintf(`
		UPDATE events
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count >= %d THEN '%s' ELSE '%s' END
		WHERE id IN (%s)`,
		MaxRetries-1, StatusFailed, StatusPending, placeholders), args...)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// CleanupOld deletes terminal records older than the retention window.
func (q *Queue) CleanupOld(days int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`
		DELETE FROM events
		WHERE status IN (?, ?)
		AND created_at < datetime('now', ?)`,
		StatusProcessed, StatusFailed, fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		log.Printf("[Queue] Cleaned up %d old events", deleted)
	}
	return deleted, nil
}

// GetStats reports per-status counts plus the monotonic processed total.
func (q *Queue) GetStats() (Stats, error) {
	s := Stats{TotalProcessed: q.processedCount.Load()}

	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return s, err
		}
		switch status {
		case StatusPending:
			s.Pending = count
		case StatusProcessed:
			s.Processed = count
		case StatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

// ProcessedCount is the monotonic processed total.
func (q *Queue) ProcessedCount() int64 {
	return q.processedCount.Load()
}

// Flush blocks until committed transitions are durable on disk.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func inClause(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
