// Package scheduler promotes future-dated jobs onto the queue once due.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-academy/backend/internal/metrics"
	"github.com/atlas-academy/backend/internal/models"
)

// claimBatch bounds how many due jobs one scan promotes.
const claimBatch = 100

// orphanAge is how long a QUEUED row may sit without a queue reference before
// a scan treats it as the leftover of a crash between job creation and
// enqueue. Must comfortably exceed the dispatcher's create-to-enqueue window
// so in-flight admissions are never stolen.
const orphanAge = time.Minute

// Store is the persistence surface the scheduler needs.
type Store interface {
	ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.EmailJob, error)
	ListOrphanedQueued(ctx context.Context, cutoff time.Time, limit int) ([]*models.EmailJob, error)
	SetQueueRef(ctx context.Context, id uuid.UUID, ref string) error
	SetQueueRefIfEmpty(ctx context.Context, id uuid.UUID, ref string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Enqueuer places claimed jobs on the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, priority int) (string, error)
	Cancel(ctx context.Context, ref string) (bool, error)
}

// Scheduler periodically claims due SCHEDULED jobs and enqueues them. The
// claim is an atomic conditional update, so concurrent instances never
// double-enqueue one job.
type Scheduler struct {
	store    Store
	queue    Enqueuer
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a scheduler.
func New(store Store, q Enqueuer, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, queue: q, interval: interval, logger: logger, now: time.Now}
}

// Run scans on a ticker until ctx is done. The first scan happens
// immediately so a restart does not delay overdue jobs a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.Scan(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan promotes one batch of due jobs and requeues orphaned rows. Exported
// for tests and manual runs.
func (s *Scheduler) Scan(ctx context.Context) {
	s.promoteDue(ctx)
	s.sweepOrphans(ctx)
}

func (s *Scheduler) promoteDue(ctx context.Context) {
	claimed, err := s.store.ClaimDueScheduled(ctx, s.now(), claimBatch)
	if err != nil {
		s.logger.Warn("claim scheduled jobs", zap.Error(err))
		return
	}
	for _, job := range claimed {
		ref, err := s.queue.Enqueue(ctx, job.ID, job.Priority)
		if err != nil {
			// Same orphaned-job rule as the dispatcher: never leave the
			// row QUEUED without a live queue reference.
			s.logger.Error("enqueue scheduled job",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			if failErr := s.store.MarkFailed(ctx, job.ID, "scheduled enqueue failed: "+err.Error()); failErr != nil {
				s.logger.Error("mark scheduled job failed",
					zap.String("job_id", job.ID.String()), zap.Error(failErr))
			}
			continue
		}
		if err := s.store.SetQueueRef(ctx, job.ID, ref); err != nil {
			s.logger.Warn("persist queue ref",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		metrics.JobsEnqueued.Inc()
		s.logger.Info("scheduled job promoted",
			zap.String("job_id", job.ID.String()),
			zap.Time("scheduled_for", derefTime(job.ScheduledFor)),
		)
	}
}

// sweepOrphans requeues QUEUED rows that lost their queue entry to a crash
// between creation and enqueue. The entry goes on the queue first, then a
// conditional write claims the row; a sweep that loses the claim to a
// concurrent instance withdraws its duplicate entry.
func (s *Scheduler) sweepOrphans(ctx context.Context) {
	orphans, err := s.store.ListOrphanedQueued(ctx, s.now().Add(-orphanAge), claimBatch)
	if err != nil {
		s.logger.Warn("list orphaned jobs", zap.Error(err))
		return
	}
	for _, job := range orphans {
		ref, err := s.queue.Enqueue(ctx, job.ID, job.Priority)
		if err != nil {
			s.logger.Error("requeue orphaned job",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			if failErr := s.store.MarkFailed(ctx, job.ID, "requeue failed: "+err.Error()); failErr != nil {
				s.logger.Error("mark orphaned job failed",
					zap.String("job_id", job.ID.String()), zap.Error(failErr))
			}
			continue
		}
		claimed, err := s.store.SetQueueRefIfEmpty(ctx, job.ID, ref)
		if err != nil || !claimed {
			// Claim lost, or the write failed; either way this entry must
			// not stay live without a row pointing at it.
			if _, cancelErr := s.queue.Cancel(ctx, ref); cancelErr != nil {
				s.logger.Warn("withdraw duplicate entry",
					zap.String("job_id", job.ID.String()), zap.Error(cancelErr))
			}
			if err != nil {
				s.logger.Warn("claim orphaned job",
					zap.String("job_id", job.ID.String()), zap.Error(err))
			}
			continue
		}
		metrics.JobsEnqueued.Inc()
		s.logger.Info("orphaned job requeued", zap.String("job_id", job.ID.String()))
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
