package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-academy/backend/internal/audit"
	"github.com/atlas-academy/backend/internal/jobs"
	"github.com/atlas-academy/backend/internal/mail"
	"github.com/atlas-academy/backend/internal/metrics"
	"github.com/atlas-academy/backend/internal/models"
	"github.com/atlas-academy/backend/pkg/queue"
)

// errRateLimited pauses a whole job: the pool requeues it with a delay
// instead of partially working through recipients without budget.
var errRateLimited = errors.New("worker: send budget exhausted")

// JobStore is the persistence surface the processor needs. Implemented by
// jobs.Repository; tests substitute an in-memory fake.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.EmailJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (string, error)
	Finalize(ctx context.Context, id uuid.UUID, status, errMsg string) error
	RecordError(ctx context.Context, id uuid.UUID, errMsg string) error
	IncrementSent(ctx context.Context, id uuid.UUID) error
	IncrementFailed(ctx context.Context, id uuid.UUID) error
	CreateOrGetLog(ctx context.Context, jobID uuid.UUID, rec models.Recipient, subject string) (*models.EmailLog, error)
	MarkLogSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkLogFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	IncrementLogRetry(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Limiter gates dispatch-to-provider rate.
type Limiter interface {
	TryAcquire(ctx context.Context, scope string) (bool, error)
}

// deliveryOutcome is the explicit per-recipient result the retry decision
// runs over.
type deliveryOutcome int

const (
	outcomeSent deliveryOutcome = iota
	outcomeTransient
	outcomePermanent
)

func classify(res mail.Result) deliveryOutcome {
	switch {
	case res.Success:
		return outcomeSent
	case res.Retryable:
		return outcomeTransient
	default:
		return outcomePermanent
	}
}

// Processor executes one job end to end: rehydrate, recipient loop, finalize.
type Processor struct {
	store     JobStore
	provider  mail.Provider
	limiter   Limiter
	auditor   audit.Sink
	logger    *zap.Logger
	rateScope string
	retryMax  int
}

// NewProcessor creates a job processor. retryMax is the per-recipient
// transient-failure ceiling.
func NewProcessor(store JobStore, provider mail.Provider, limiter Limiter, auditor audit.Sink, rateScope string, retryMax int, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Processor{
		store:     store,
		provider:  provider,
		limiter:   limiter,
		auditor:   auditor,
		logger:    logger,
		rateScope: rateScope,
		retryMax:  retryMax,
	}
}

// Process runs one queue entry. A nil return means the entry can be acked;
// errRateLimited and infra errors tell the pool to requeue it.
func (p *Processor) Process(ctx context.Context, entry *queue.Entry) error {
	job, err := p.store.GetByID(ctx, entry.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		p.logger.Warn("queue entry for missing job", zap.String("job_id", entry.JobID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("rehydrate job: %w", err)
	}

	status, err := p.store.MarkProcessing(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	switch status {
	case models.JobStatusCancelled:
		// Cancelled between enqueue and dequeue; nothing was sent.
		p.logger.Info("skipping cancelled job", zap.String("job_id", job.ID.String()))
		return nil
	case models.JobStatusCompleted, models.JobStatusFailed:
		// Stale redelivery of an already-finished job.
		return nil
	case models.JobStatusProcessing:
		// Fresh start or resume after a crashed attempt.
	default:
		return fmt.Errorf("job %s in unexpected state %s", job.ID, status)
	}

	p.auditor.Write(ctx, audit.Event{Type: audit.EventJobStarted, JobID: &job.ID})

	if err := p.deliverAll(ctx, job); err != nil {
		if !errors.Is(err, errRateLimited) {
			if recErr := p.store.RecordError(ctx, job.ID, err.Error()); recErr != nil {
				p.logger.Error("record job error", zap.Error(recErr))
			}
		}
		return err
	}
	return p.finalize(ctx, job.ID)
}

// deliverAll walks the snapshotted recipient list sequentially, re-passing
// over transient failures until every recipient is settled. Parallelism is
// across jobs, not within one, which keeps memory and the send budget
// predictable.
func (p *Processor) deliverAll(ctx context.Context, job *models.EmailJob) error {
	for {
		pending := 0
		for _, rec := range job.Recipients {
			log, err := p.store.CreateOrGetLog(ctx, job.ID, rec, job.Subject)
			if err != nil {
				return fmt.Errorf("recipient log %s: %w", rec.Email, err)
			}
			// Idempotent resume: a re-dequeued job never re-sends to
			// recipients a previous attempt already settled.
			if log.Settled() {
				continue
			}
			if log.RetryCount >= p.retryMax {
				if err := p.failRecipient(ctx, job.ID, log.ID, log.ErrorMessage); err != nil {
					return err
				}
				continue
			}

			ok, err := p.limiter.TryAcquire(ctx, p.rateScope)
			if err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
			if !ok {
				metrics.RateLimitDeferrals.Inc()
				return errRateLimited
			}

			res := p.provider.Send(ctx, mail.Message{
				To:      rec.Email,
				Name:    rec.Name,
				Subject: job.Subject,
				HTML:    job.HTMLContent,
				Text:    job.TextContent,
			})
			switch classify(res) {
			case outcomeSent:
				if err := p.store.MarkLogSent(ctx, log.ID, res.MessageID); err != nil {
					return fmt.Errorf("mark sent: %w", err)
				}
				if err := p.store.IncrementSent(ctx, job.ID); err != nil {
					return fmt.Errorf("increment sent: %w", err)
				}
				metrics.EmailsSent.Inc()
			case outcomeTransient:
				if err := p.store.IncrementLogRetry(ctx, log.ID, res.Err.Error()); err != nil {
					return fmt.Errorf("increment retry: %w", err)
				}
				if log.RetryCount+1 >= p.retryMax {
					if err := p.failRecipient(ctx, job.ID, log.ID, res.Err.Error()); err != nil {
						return err
					}
				} else {
					pending++
				}
			case outcomePermanent:
				// Hard bounce: retrying would only repeat the rejection.
				if err := p.failRecipient(ctx, job.ID, log.ID, res.Err.Error()); err != nil {
					return err
				}
			}
		}
		if pending == 0 {
			return nil
		}
	}
}

func (p *Processor) failRecipient(ctx context.Context, jobID, logID uuid.UUID, errMsg string) error {
	if err := p.store.MarkLogFailed(ctx, logID, errMsg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := p.store.IncrementFailed(ctx, jobID); err != nil {
		return fmt.Errorf("increment failed: %w", err)
	}
	metrics.EmailFailures.Inc()
	return nil
}

func (p *Processor) finalize(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.store.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload for finalize: %w", err)
	}
	status := models.JobStatusCompleted
	errMsg := ""
	eventType := audit.EventJobCompleted
	if job.SentCount == 0 {
		status = models.JobStatusFailed
		errMsg = "all recipients failed"
		eventType = audit.EventJobFailed
	}
	if err := p.store.Finalize(ctx, jobID, status, errMsg); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	metrics.JobsProcessed.WithLabelValues(status).Inc()
	p.auditor.Write(ctx, audit.Event{
		Type:  eventType,
		JobID: &jobID,
		Detail: map[string]interface{}{
			"sent_count":   job.SentCount,
			"failed_count": job.FailedCount,
			"total_count":  job.TotalCount,
		},
	})
	p.logger.Info("job finished",
		zap.String("job_id", jobID.String()),
		zap.String("status", status),
		zap.Int("sent", job.SentCount),
		zap.Int("failed", job.FailedCount),
	)
	return nil
}
