package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-academy/backend/internal/audit"
	"github.com/atlas-academy/backend/internal/metrics"
	"github.com/atlas-academy/backend/internal/models"
)

// Admission errors. These are the only errors the HTTP caller ever sees;
// everything after admission is a terminal state on the job.
var (
	ErrEmptySubject     = errors.New("jobs: subject is required")
	ErrEmptyContent     = errors.New("jobs: html content or template id is required")
	ErrNoRecipients     = errors.New("jobs: no recipients after resolution")
	ErrResolveFailed    = errors.New("jobs: recipient resolution failed")
	ErrRenderFailed     = errors.New("jobs: template rendering failed")
	ErrEnqueueFailed    = errors.New("jobs: enqueue failed, job marked failed")
	ErrNotCancellable   = errors.New("jobs: job is not in a cancellable state")
	ErrInvalidRecipient = errors.New("jobs: recipient type requires a selector or list")
)

// Selector describes which users a send targets before resolution.
type Selector struct {
	Type       string
	Role       string
	CohortID   *uuid.UUID
	LeagueID   *uuid.UUID
	Recipients []models.Recipient // INDIVIDUAL / CUSTOM_LIST pass-through
}

// Resolver turns a selector into a concrete recipient list. The platform's
// user directory implements this; tests substitute fakes.
type Resolver interface {
	Resolve(ctx context.Context, sel Selector) ([]models.Recipient, error)
}

// Rendered is the output of template rendering.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer renders a stored template with a variable map.
type Renderer interface {
	Render(ctx context.Context, templateID uuid.UUID, vars map[string]string) (Rendered, error)
}

// Enqueuer is the queue surface the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, priority int) (string, error)
	Cancel(ctx context.Context, ref string) (bool, error)
}

// Store is the persistence surface the dispatcher needs. Implemented by
// Repository; tests substitute fakes.
type Store interface {
	CreateJob(ctx context.Context, job *models.EmailJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EmailJob, error)
	SetQueueRef(ctx context.Context, id uuid.UUID, ref string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	Cancel(ctx context.Context, id uuid.UUID) (*models.EmailJob, error)
}

// SendRequest is the job submission boundary.
type SendRequest struct {
	Recipients   []models.Recipient
	Selector     Selector
	Subject      string
	HTMLContent  string
	TextContent  string
	TemplateID   *uuid.UUID
	TemplateVars map[string]string
	Priority     *int
	ScheduledFor *time.Time
}

// Receipt is returned synchronously on admission; delivery is asynchronous.
type Receipt struct {
	JobID               uuid.UUID `json:"job_id"`
	EstimatedRecipients int       `json:"estimated_recipients"`
	Status              string    `json:"status"`
}

// DefaultPriority applies when a request carries none. Lower is more urgent.
const DefaultPriority = 5

// Service is the dispatcher: it validates a send request, resolves and
// snapshots recipients, persists the job record, and enqueues a reference.
// The job row always exists before its queue reference.
type Service struct {
	repo     Store
	queue    Enqueuer
	resolver Resolver
	renderer Renderer
	auditor  audit.Sink
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the dispatcher.
func NewService(repo Store, q Enqueuer, resolver Resolver, renderer Renderer, auditor audit.Sink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Service{
		repo:     repo,
		queue:    q,
		resolver: resolver,
		renderer: renderer,
		auditor:  auditor,
		logger:   logger,
		now:      time.Now,
	}
}

// Send admits a single-recipient or small custom-list request.
func (s *Service) Send(ctx context.Context, req SendRequest, actorID uuid.UUID) (*Receipt, error) {
	if req.Selector.Type == "" {
		req.Selector.Type = models.RecipientTypeIndividual
	}
	req.Selector.Recipients = req.Recipients
	return s.admit(ctx, req, actorID)
}

// SendBulk admits a selector-based bulk request.
func (s *Service) SendBulk(ctx context.Context, req SendRequest, actorID uuid.UUID) (*Receipt, error) {
	if req.Selector.Type == "" {
		return nil, ErrInvalidRecipient
	}
	return s.admit(ctx, req, actorID)
}

func (s *Service) admit(ctx context.Context, req SendRequest, actorID uuid.UUID) (*Receipt, error) {
	subject := strings.TrimSpace(req.Subject)
	html := req.HTMLContent
	text := req.TextContent

	if req.TemplateID != nil {
		rendered, err := s.renderer.Render(ctx, *req.TemplateID, req.TemplateVars)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
		}
		if subject == "" {
			subject = rendered.Subject
		}
		html = rendered.HTML
		text = rendered.Text
	}
	if subject == "" {
		return nil, ErrEmptySubject
	}
	if strings.TrimSpace(html) == "" {
		return nil, ErrEmptyContent
	}

	recipients, err := s.resolveRecipients(ctx, req.Selector)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	status := models.JobStatusQueued
	if req.ScheduledFor != nil && req.ScheduledFor.After(s.now()) {
		status = models.JobStatusScheduled
	}

	job := &models.EmailJob{
		Subject:       subject,
		HTMLContent:   html,
		TextContent:   text,
		TemplateID:    req.TemplateID,
		RecipientType: req.Selector.Type,
		Recipients:    recipients,
		TotalCount:    len(recipients),
		Priority:      priority,
		ScheduledFor:  req.ScheduledFor,
		Status:        status,
		CreatedBy:     actorID,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if status == models.JobStatusQueued {
		ref, err := s.queue.Enqueue(ctx, job.ID, priority)
		if err != nil {
			// The row must never stay QUEUED without a live queue reference.
			if failErr := s.repo.MarkFailed(ctx, job.ID, "enqueue failed: "+err.Error()); failErr != nil {
				s.logger.Error("mark enqueue-failed job",
					zap.String("job_id", job.ID.String()), zap.Error(failErr))
			}
			return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
		}
		if err := s.repo.SetQueueRef(ctx, job.ID, ref); err != nil {
			s.logger.Warn("persist queue ref",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		metrics.JobsEnqueued.Inc()
	}

	s.auditor.Write(ctx, audit.Event{
		Type:    audit.EventJobCreated,
		JobID:   &job.ID,
		ActorID: &actorID,
		Detail: map[string]interface{}{
			"recipient_type": job.RecipientType,
			"total_count":    job.TotalCount,
			"status":         job.Status,
		},
	})
	s.logger.Info("job admitted",
		zap.String("job_id", job.ID.String()),
		zap.String("status", job.Status),
		zap.Int("recipients", job.TotalCount),
		zap.Int("priority", priority),
	)
	return &Receipt{JobID: job.ID, EstimatedRecipients: job.TotalCount, Status: job.Status}, nil
}

func (s *Service) resolveRecipients(ctx context.Context, sel Selector) ([]models.Recipient, error) {
	var recipients []models.Recipient
	switch sel.Type {
	case models.RecipientTypeIndividual, models.RecipientTypeCustomList:
		recipients = sel.Recipients
	case models.RecipientTypeRoleBased, models.RecipientTypeCohort,
		models.RecipientTypeLeague, models.RecipientTypeAllUsers:
		resolved, err := s.resolver.Resolve(ctx, sel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
		}
		recipients = resolved
	default:
		return nil, ErrInvalidRecipient
	}
	return dedupe(recipients), nil
}

// dedupe drops duplicate recipients by email, keeping first occurrence order.
func dedupe(in []models.Recipient) []models.Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]models.Recipient, 0, len(in))
	for _, r := range in {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		r.Email = email
		out = append(out, r)
	}
	return out
}

// Status returns the polling view of a job.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*models.EmailJob, error) {
	return s.repo.GetByID(ctx, jobID)
}

// Cancel stops a job that has not finished. A cancel against a job already
// dequeued does not interrupt an in-flight delivery loop; the worker's status
// checkpoint on its next dequeue is where it takes effect. Terminal jobs
// return ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, jobID, actorID uuid.UUID) (*models.EmailJob, error) {
	job, err := s.repo.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.QueueRef != "" {
		if _, err := s.queue.Cancel(ctx, job.QueueRef); err != nil {
			s.logger.Warn("remove cancelled queue ref",
				zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}
	s.auditor.Write(ctx, audit.Event{
		Type:    audit.EventJobCancelled,
		JobID:   &jobID,
		ActorID: &actorID,
	})
	return job, nil
}
