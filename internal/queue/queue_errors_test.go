package queue

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Storage failures must propagate to the caller so the orchestrator can log
// and retry on the next cycle.

func TestEnqueue_StorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO events").WillReturnError(errors.New("disk I/O error"))

	q := &Queue{db: db}
	_, err = q.Enqueue(testEvent("ATTENDANCE", 1, "2026-08-25T09:00:00Z"))
	assert.ErrorContains(t, err, "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed_RollsBackOnCounterError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE events").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE stats").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	q := &Queue{db: db}
	err = q.MarkProcessed([]int64{1, 2})
	assert.ErrorContains(t, err, "database is locked")
	// In-memory counter must not advance on a failed commit.
	assert.Equal(t, int64(0), q.ProcessedCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStats_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT status, COUNT").WillReturnError(errors.New("no such table: events"))

	q := &Queue{db: db}
	_, err = q.GetStats()
	assert.ErrorContains(t, err, "no such table")
}
