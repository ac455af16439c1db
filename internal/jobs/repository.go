package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-academy/backend/internal/models"
)

// ErrNotFound is returned when a job or log row does not exist.
var ErrNotFound = errors.New("jobs: not found")

// Repository handles email_jobs and email_logs persistence. Every write is a
// single-row atomic statement; status transitions carry WHERE guards so
// concurrent workers and schedulers cannot clobber each other.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a jobs repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id, queue_ref, subject, html_content, text_content, template_id,
	recipient_type, recipients, total_count, sent_count, failed_count, priority,
	scheduled_for, status, error_message, created_by, created_at, started_at,
	completed_at, failed_at`

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var j models.EmailJob
	var recipients []byte
	err := row.Scan(&j.ID, &j.QueueRef, &j.Subject, &j.HTMLContent, &j.TextContent,
		&j.TemplateID, &j.RecipientType, &recipients, &j.TotalCount, &j.SentCount,
		&j.FailedCount, &j.Priority, &j.ScheduledFor, &j.Status, &j.ErrorMessage,
		&j.CreatedBy, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(recipients, &j.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	return &j, nil
}

// CreateJob inserts the job row with its snapshotted recipient list.
func (r *Repository) CreateJob(ctx context.Context, job *models.EmailJob) error {
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	const q = `INSERT INTO email_jobs
		(id, subject, html_content, text_content, template_id, recipient_type,
		 recipients, total_count, priority, scheduled_for, status, created_by)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q,
		job.Subject, job.HTMLContent, job.TextContent, job.TemplateID,
		job.RecipientType, recipients, job.TotalCount, job.Priority,
		job.ScheduledFor, job.Status, job.CreatedBy,
	).Scan(&job.ID, &job.CreatedAt)
}

// GetByID returns a job with its recipient snapshot.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.EmailJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs WHERE id = $1`, id))
}

// SetQueueRef records the live queue reference for a job.
func (r *Repository) SetQueueRef(ctx context.Context, id uuid.UUID, ref string) error {
	_, err := r.pool.Exec(ctx, `UPDATE email_jobs SET queue_ref = $2 WHERE id = $1`, id, ref)
	return err
}

// MarkProcessing transitions QUEUED -> PROCESSING and stamps started_at.
// Returns the job's current status; a worker resuming a crashed attempt sees
// PROCESSING and proceeds, a cancelled job is skipped by the caller.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (string, error) {
	const q = `UPDATE email_jobs
		SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = $3`
	tag, err := r.pool.Exec(ctx, q, id, models.JobStatusProcessing, models.JobStatusQueued)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 1 {
		return models.JobStatusProcessing, nil
	}
	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM email_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

// Finalize moves a PROCESSING job to a terminal status and stamps the
// matching timestamp.
func (r *Repository) Finalize(ctx context.Context, id uuid.UUID, status, errMsg string) error {
	const q = `UPDATE email_jobs
		SET status = $2,
		    error_message = $3,
		    completed_at = CASE WHEN $2 = 'COMPLETED' THEN NOW() ELSE completed_at END,
		    failed_at = CASE WHEN $2 = 'FAILED' THEN NOW() ELSE failed_at END
		WHERE id = $1 AND status = $4`
	_, err := r.pool.Exec(ctx, q, id, status, errMsg, models.JobStatusProcessing)
	return err
}

// MarkFailed forces a job to FAILED regardless of current state. Used when an
// admitted job cannot be enqueued, so no QUEUED row is left without a live
// queue reference.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	const q = `UPDATE email_jobs SET status = $2, error_message = $3, failed_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, models.JobStatusFailed, errMsg)
	return err
}

// RecordError stores a top-level error without changing status.
func (r *Repository) RecordError(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `UPDATE email_jobs SET error_message = $2 WHERE id = $1`, id, errMsg)
	return err
}

// Cancel transitions a non-terminal job to CANCELLED. A PROCESSING job is
// cancellable too: a worker mid-delivery finishes its current loop, but the
// entry is removed from the queue and the next dequeue checkpoint sees
// CANCELLED and skips. Returns the cancelled job, or ErrNotCancellable when
// the job already reached a terminal status.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) (*models.EmailJob, error) {
	const q = `UPDATE email_jobs SET status = $2
		WHERE id = $1 AND status IN ($3, $4, $5)
		RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, q, id,
		models.JobStatusCancelled, models.JobStatusQueued, models.JobStatusScheduled,
		models.JobStatusProcessing))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing job from one that already finished.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotCancellable
	}
	return job, err
}

// IncrementSent bumps the sent counter. Persisted per recipient so partial
// progress survives a worker crash.
func (r *Repository) IncrementSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE email_jobs SET sent_count = sent_count + 1 WHERE id = $1`, id)
	return err
}

// IncrementFailed bumps the failed counter.
func (r *Repository) IncrementFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE email_jobs SET failed_count = failed_count + 1 WHERE id = $1`, id)
	return err
}

// ClaimDueScheduled atomically flips due SCHEDULED jobs to QUEUED and returns
// them. SKIP LOCKED keeps concurrent scheduler instances from claiming the
// same row.
func (r *Repository) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.EmailJob, error) {
	const q = `UPDATE email_jobs SET status = $1
		WHERE id IN (
			SELECT id FROM email_jobs
			WHERE status = $2 AND scheduled_for <= $3
			ORDER BY scheduled_for
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	rows, err := r.pool.Query(ctx, q, models.JobStatusQueued, models.JobStatusScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claimed []*models.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, job)
	}
	return claimed, rows.Err()
}

// ListOrphanedQueued returns QUEUED jobs older than cutoff that never got a
// queue reference. Such rows exist only when a process died between creating
// the row and enqueueing it; nothing else will ever pick them up.
func (r *Repository) ListOrphanedQueued(ctx context.Context, cutoff time.Time, limit int) ([]*models.EmailJob, error) {
	q := `SELECT ` + jobColumns + ` FROM email_jobs
		WHERE status = $1 AND queue_ref = '' AND created_at < $2
		ORDER BY created_at
		LIMIT $3`
	rows, err := r.pool.Query(ctx, q, models.JobStatusQueued, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orphans []*models.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, job)
	}
	return orphans, rows.Err()
}

// SetQueueRefIfEmpty claims an orphaned row for re-enqueue. The conditional
// write keeps two sweepers from attaching two live entries to one job: the
// loser gets false back and withdraws its entry.
func (r *Repository) SetQueueRefIfEmpty(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	const q = `UPDATE email_jobs SET queue_ref = $2
		WHERE id = $1 AND status = $3 AND queue_ref = ''`
	tag, err := r.pool.Exec(ctx, q, id, ref, models.JobStatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// List returns jobs newest first, paged.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]*models.EmailJob, error) {
	q := `SELECT ` + jobColumns + ` FROM email_jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

// CountRecent returns jobs created since the given time.
func (r *Repository) CountRecent(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM email_jobs WHERE created_at >= $1`, since).Scan(&n)
	return n, err
}

const logColumns = `id, job_id, recipient_id, recipient_email, subject, status,
	retry_count, error_message, provider_message_id, sent_at, delivered_at,
	bounced_at, opened_at, clicked_at, created_at`

func scanLog(row pgx.Row) (*models.EmailLog, error) {
	var l models.EmailLog
	err := row.Scan(&l.ID, &l.JobID, &l.RecipientID, &l.RecipientEmail, &l.Subject,
		&l.Status, &l.RetryCount, &l.ErrorMessage, &l.ProviderMessageID, &l.SentAt,
		&l.DeliveredAt, &l.BouncedAt, &l.OpenedAt, &l.ClickedAt, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateOrGetLog returns the (job, recipient) log row, creating it in PENDING
// on first touch. The unique constraint makes re-processing after a crash
// idempotent: a resumed worker sees the prior attempt's state.
func (r *Repository) CreateOrGetLog(ctx context.Context, jobID uuid.UUID, rec models.Recipient, subject string) (*models.EmailLog, error) {
	const ins = `INSERT INTO email_logs (id, job_id, recipient_id, recipient_email, subject)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		ON CONFLICT (job_id, recipient_id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, ins, jobID, rec.ID, rec.Email, subject); err != nil {
		return nil, err
	}
	const sel = `SELECT ` + logColumns + ` FROM email_logs WHERE job_id = $1 AND recipient_id = $2`
	return scanLog(r.pool.QueryRow(ctx, sel, jobID, rec.ID))
}

// MarkLogSent records a successful delivery.
func (r *Repository) MarkLogSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	const q = `UPDATE email_logs
		SET status = $2, provider_message_id = $3, sent_at = NOW(), error_message = ''
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, models.LogStatusSent, providerMessageID)
	return err
}

// MarkLogFailed records a terminal per-recipient failure.
func (r *Repository) MarkLogFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	const q = `UPDATE email_logs SET status = $2, error_message = $3 WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, models.LogStatusFailed, errMsg)
	return err
}

// IncrementLogRetry bumps the retry count after a transient failure, leaving
// the row PENDING for a later pass.
func (r *Repository) IncrementLogRetry(ctx context.Context, id uuid.UUID, errMsg string) error {
	const q = `UPDATE email_logs SET retry_count = retry_count + 1, error_message = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, errMsg)
	return err
}

// ListLogsByJob returns per-recipient outcomes for a job.
func (r *Repository) ListLogsByJob(ctx context.Context, jobID uuid.UUID) ([]*models.EmailLog, error) {
	q := `SELECT ` + logColumns + ` FROM email_logs WHERE job_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EmailLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}
