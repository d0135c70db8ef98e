package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testEvent(typ string, cameraID int, ts string) Event {
	return Event{
		Type:      typ,
		CameraID:  cameraID,
		Timestamp: ts,
		Data:      json.RawMessage(`{"confidence":0.9}`),
	}
}

func TestGetPending_Empty(t *testing.T) {
	q := openTestQueue(t)

	events, err := q.GetPending(50)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEnqueueAndDrainOrder(t *testing.T) {
	q := openTestQueue(t)

	id1, err := q.Enqueue(testEvent("ATTENDANCE", 1, "2026-08-25T09:00:00+05:30"))
	require.NoError(t, err)
	id2, err := q.Enqueue(testEvent("DISCIPLINE", 1, "2026-08-25T09:00:01+05:30"))
	require.NoError(t, err)
	id3, err := q.Enqueue(testEvent("ATTENDANCE", 2, "2026-08-25T09:00:02+05:30"))
	require.NoError(t, err)

	events, err := q.GetPending(50)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{id1, id2, id3}, []int64{events[0].ID, events[1].ID, events[2].ID})
	assert.Equal(t, "ATTENDANCE", events[0].Type)
	assert.Equal(t, 0, events[0].RetryCount)
	assert.JSONEq(t, `{"confidence":0.9}`, string(events[0].Data))
}

func TestGetPending_BatchLimit(t *testing.T) {
	q := openTestQueue(t)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(testEvent("PRESENCE", 1, "2026-08-25T09:00:00Z"))
		require.NoError(t, err)
	}
	events, err := q.GetPending(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestMarkProcessed(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue(testEvent("ATTENDANCE", 1, "2026-08-25T09:00:00Z"))
	require.NoError(t, err)

	require.NoError(t, q.MarkProcessed([]int64{id}))

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, int64(1), stats.TotalProcessed)

	var processedAt *string
	err = q.db.QueryRow(`SELECT processed_at FROM events WHERE id = ?`, id).Scan(&processedAt)
	require.NoError(t, err)
	require.NotNil(t, processedAt)
}

func TestMarkProcessed_NotPending(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue(testEvent("ATTENDANCE", 1, "2026-08-25T09:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessed([]int64{id}))

	// Second attempt must fail and must not double count.
	err = q.MarkProcessed([]int64{id})
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, int64(1), q.ProcessedCount())
}

func TestMarkFailed_RetryLadder(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue(testEvent("DISCIPLINE", 3, "2026-08-25T09:00:00Z"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 4; attempt++ {
		require.NoError(t, q.MarkFailed([]int64{id}))
		events, err := q.GetPending(10)
		require.NoError(t, err)
		require.Len(t, events, 1, "attempt %d should leave the event pending", attempt)
		assert.Equal(t, attempt, events[0].RetryCount)
	}

	// Fifth failure goes terminal.
	require.NoError(t, q.MarkFailed([]int64{id}))
	events, err := q.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, events)

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

func TestProcessedCount_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := Open(path)
	require.NoError(t, err)
	id, err := q.Enqueue(testEvent("ATTENDANCE", 1, "2026-08-25T09:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessed([]int64{id}))
	require.NoError(t, q.Flush())
	require.NoError(t, q.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()
	assert.Equal(t, int64(1), q2.ProcessedCount())
}

func TestCrashSafety_PendingAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := Open(path)
	require.NoError(t, err)
	_, err = q.Enqueue(testEvent("ATTENDANCE", 1, "2026-08-25T09:00:00Z"))
	require.NoError(t, err)
	// Drain fetched but never acknowledged: simulate a crash by closing.
	_, err = q.GetPending(50)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()
	events, err := q2.GetPending(50)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCleanupOld(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue(testEvent("ATTENDANCE", 1, "2026-08-25T09:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessed([]int64{id}))

	// Backdate the record past the retention window.
	_, err = q.db.Exec(`UPDATE events SET created_at = datetime('now', '-10 days') WHERE id = ?`, id)
	require.NoError(t, err)

	// Pending records are never cleaned up.
	pendID, err := q.Enqueue(testEvent("PRESENCE", 2, "2026-08-25T09:00:00Z"))
	require.NoError(t, err)
	_, err = q.db.Exec(`UPDATE events SET created_at = datetime('now', '-10 days') WHERE id = ?`, pendID)
	require.NoError(t, err)

	deleted, err := q.CleanupOld(7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Processed)
	// Monotonic total is unaffected by cleanup.
	assert.Equal(t, int64(1), stats.TotalProcessed)
}
