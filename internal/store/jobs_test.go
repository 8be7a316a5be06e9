package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storewatch/internal/models"
)

var jobTestColumns = []string{
	"id", "shop", "topic", "resource_id", "payload", "idempotency_key",
	"status", "scheduled_at", "attempts", "last_error", "claimed_at", "created_at", "completed_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock), mock
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(2))
	assert.Equal(t, 8*time.Second, Backoff(3))
	// Attempt counts below one are clamped.
	assert.Equal(t, 2*time.Second, Backoff(0))
}

func TestEnqueueInsertsPendingJob(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), "shop1.example.com", "products/update", "42",
			[]byte(`{"id":42}`), pgxmock.AnyArg(), models.StatusPending, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := st.Enqueue(context.Background(), EnqueueParams{
		Shop:           "shop1.example.com",
		Topic:          "products/update",
		ResourceID:     "42",
		Payload:        []byte(`{"id":42}`),
		IdempotencyKey: "d1",
		Delay:          5 * time.Second,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	require.NotNil(t, job.IdempotencyKey)
	assert.Equal(t, "d1", *job.IdempotencyKey)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), job.ScheduledAt, 2*time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsLockedRows(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE jobs").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(jobTestColumns).
			AddRow("j1", "shop1.example.com", "products/update", "42", []byte(`{}`), "d1",
				models.StatusProcessing, now, 1, nil, now, now, nil).
			AddRow("j2", "shop1.example.com", "products/delete", "43", []byte(`{}`), nil,
				models.StatusProcessing, now, 2, "boom", now, now, nil))

	jobs, err := st.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, models.StatusProcessing, jobs[0].Status)
	require.NotNil(t, jobs[0].IdempotencyKey)
	assert.Equal(t, "d1", *jobs[0].IdempotencyKey)
	assert.Nil(t, jobs[0].LastError)
	assert.Nil(t, jobs[0].CompletedAt)

	assert.Equal(t, 2, jobs[1].Attempts)
	require.NotNil(t, jobs[1].LastError)
	assert.Equal(t, "boom", *jobs[1].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailReschedulesUntilAttemptsExhausted(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs").
		WithArgs("j1", 3, "timeout").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(models.StatusPending))

	status, err := st.Fail(context.Background(), "j1", 3, "timeout")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, status)

	mock.ExpectQuery("UPDATE jobs").
		WithArgs("j1", 3, "timeout").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(models.StatusFailed))

	status, err = st.Fail(context.Background(), "j1", 3, "timeout")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRejectsNonProcessingJob(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs").
		WithArgs("j1", 3, "timeout").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.Fail(context.Background(), "j1", 3, "timeout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not processing")
}

func TestSweepReportsDeletedCount(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := st.Sweep(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeenDelivery(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := st.SeenDelivery(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRequeueDoesNotChargeAttempt(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs").
		WithArgs("j1", float64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.Requeue(context.Background(), "j1", time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStaleReturnsIDs(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := time.Now().Add(-5 * time.Minute)

	// Terminal rows keep their scheduled_at; only retried rows get backoff.
	mock.ExpectQuery(`(?s)UPDATE jobs.*scheduled_at = CASE WHEN attempts >= \$2 THEN scheduled_at`).
		WithArgs(cutoff, 3).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("j1").AddRow("j2"))

	ids, err := st.ReclaimStale(context.Background(), cutoff, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, ids)
}
