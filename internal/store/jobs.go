package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"storewatch/internal/models"
)

const jobColumns = `id, shop, topic, resource_id, payload, idempotency_key, status, scheduled_at, attempts, last_error, claimed_at, created_at, completed_at`

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Shop           string
	Topic          string
	ResourceID     string
	Payload        []byte
	IdempotencyKey string
	Delay          time.Duration
}

// Enqueue inserts a pending job scheduled delay from now. It never blocks
// beyond the insert itself; draining is asynchronous.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	scheduled := now.Add(p.Delay)
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, shop, topic, resource_id, payload, idempotency_key, status, scheduled_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
	`, id, p.Shop, p.Topic, p.ResourceID, payload, emptyToNil(p.IdempotencyKey), models.StatusPending, scheduled, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:             id,
		Shop:           p.Shop,
		Topic:          p.Topic,
		ResourceID:     p.ResourceID,
		Payload:        payload,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		Status:         models.StatusPending,
		ScheduledAt:    scheduled,
		CreatedAt:      now,
	}, nil
}

// Claim atomically transitions up to limit ready jobs to processing,
// oldest-created first. Concurrent claimers never receive the same job; the
// subselect locks candidate rows and skips ones already locked elsewhere.
func (s *Store) Claim(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE jobs
		SET status = 'processing', attempts = attempts + 1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_at <= NOW()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return jobs, nil
}

// Complete marks a processing job as terminally successful.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
	return err
}

// Fail records a failed attempt. Below maxAttempts the job is rescheduled
// with exponential backoff (2^attempts seconds); at or past the bound it goes
// terminal. Returns the resulting status.
func (s *Store) Fail(ctx context.Context, id string, maxAttempts int, lastError string) (string, error) {
	var status string
	err := s.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
		    scheduled_at = CASE WHEN attempts >= $2 THEN scheduled_at
		                        ELSE NOW() + make_interval(secs => power(2, attempts)) END,
		    last_error = $3,
		    claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
		RETURNING status
	`, id, maxAttempts, lastError).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s not processing", id)
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	return status, nil
}

// Requeue returns a claimed job to pending without charging an attempt, used
// when the entity lock is held elsewhere and the job must be retried shortly.
func (s *Store) Requeue(ctx context.Context, id string, delay time.Duration) error {
	_, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = GREATEST(attempts - 1, 0),
		    scheduled_at = NOW() + make_interval(secs => $2::float8), claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, delay.Seconds())
	return err
}

// ReclaimStale treats jobs stuck in processing past the cutoff as failed
// attempts: retried with backoff, or terminal once attempts are exhausted.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
		    scheduled_at = CASE WHEN attempts >= $2 THEN scheduled_at
		                        ELSE NOW() + make_interval(secs => power(2, attempts)) END,
		    last_error = 'stale claim reclaimed',
		    claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
		RETURNING id
	`, cutoff, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Sweep deletes terminal jobs older than the cutoff. Storage reclamation
// only; nothing downstream depends on swept rows.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND COALESCE(completed_at, created_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SeenDelivery reports whether a job or change event already carries this
// idempotency key. Callers use it before enqueue to drop physical redeliveries.
func (s *Store) SeenDelivery(ctx context.Context, key string) (bool, error) {
	var seen bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs WHERE idempotency_key = $1
			UNION ALL
			SELECT 1 FROM change_events WHERE idempotency_key = $1
		)
	`, key).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("seen delivery: %w", err)
	}
	return seen, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job not found: %w", err)
	}
	return job, err
}

// FailedJobs lists terminally failed jobs for operator visibility.
func (s *Store) FailedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = 'failed' ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Backoff returns the retry delay applied after the given attempt count.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(math.Pow(2, float64(attempts))) * time.Second
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload []byte
	var idem, lastErr pgtype.Text
	var claimedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Shop, &job.Topic, &job.ResourceID, &payload, &idem,
		&job.Status, &job.ScheduledAt, &job.Attempts, &lastErr, &claimedAt, &job.CreatedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	job.IdempotencyKey = textPtr(idem)
	job.LastError = textPtr(lastErr)
	job.ClaimedAt = timePtr(claimedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
