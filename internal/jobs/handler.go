package jobs

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-academy/backend/internal/mail"
	"github.com/atlas-academy/backend/internal/middleware"
	"github.com/atlas-academy/backend/internal/models"
	"github.com/atlas-academy/backend/pkg/response"
)

// Reader is the browse and reporting surface the handler serves directly,
// without going through the dispatcher. Implemented by Repository.
type Reader interface {
	List(ctx context.Context, limit, offset int) ([]*models.EmailJob, error)
	ListLogsByJob(ctx context.Context, jobID uuid.UUID) ([]*models.EmailLog, error)
	CountRecent(ctx context.Context, since time.Time) (int, error)
}

// RateReporter reports the remaining send budget for a scope. Implemented by
// ratelimit.Limiter.
type RateReporter interface {
	Remaining(ctx context.Context, scope string) (int, error)
}

// Handler handles email job HTTP endpoints.
type Handler struct {
	svc       *Service
	repo      Reader
	provider  mail.Provider
	limiter   RateReporter
	rateScope string
	logger    *zap.Logger
}

// NewHandler creates an email jobs handler. rateScope is the sender identity
// the stats endpoint reports the remaining budget for.
func NewHandler(svc *Service, repo Reader, provider mail.Provider, limiter RateReporter, rateScope string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, repo: repo, provider: provider, limiter: limiter, rateScope: rateScope, logger: logger}
}

type recipientBody struct {
	ID    string `json:"id" binding:"required,uuid"`
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name"`
}

type sendBody struct {
	Recipients   []recipientBody   `json:"recipients"`
	Subject      string            `json:"subject"`
	HTMLContent  string            `json:"html_content"`
	TextContent  string            `json:"text_content"`
	TemplateID   string            `json:"template_id"`
	TemplateVars map[string]string `json:"template_vars"`
	Priority     *int              `json:"priority"`
	ScheduledFor *time.Time        `json:"scheduled_for"`
}

type bulkSendBody struct {
	sendBody
	RecipientType string `json:"recipient_type" binding:"required"`
	Role          string `json:"role"`
	CohortID      string `json:"cohort_id"`
	LeagueID      string `json:"league_id"`
}

func (b *sendBody) toRequest() (SendRequest, error) {
	req := SendRequest{
		Subject:      b.Subject,
		HTMLContent:  b.HTMLContent,
		TextContent:  b.TextContent,
		TemplateVars: b.TemplateVars,
		Priority:     b.Priority,
		ScheduledFor: b.ScheduledFor,
	}
	if b.TemplateID != "" {
		id, err := uuid.Parse(b.TemplateID)
		if err != nil {
			return req, errors.New("invalid template_id")
		}
		req.TemplateID = &id
	}
	for _, r := range b.Recipients {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return req, errors.New("invalid recipient id")
		}
		req.Recipients = append(req.Recipients, models.Recipient{ID: id, Email: r.Email, Name: r.Name})
	}
	return req, nil
}

// Send handles POST /emails/send.
func (h *Handler) Send(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	if len(body.Recipients) == 0 {
		response.BadRequest(c, "recipients are required")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	receipt, err := h.svc.Send(c.Request.Context(), req, middleware.ActorID(c))
	if err != nil {
		h.admissionError(c, err)
		return
	}
	response.Accepted(c, receipt)
}

// SendBulk handles POST /emails/bulk.
func (h *Handler) SendBulk(c *gin.Context) {
	var body bulkSendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	req.Selector = Selector{
		Type:       body.RecipientType,
		Role:       body.Role,
		Recipients: req.Recipients,
	}
	if body.CohortID != "" {
		id, err := uuid.Parse(body.CohortID)
		if err != nil {
			response.BadRequest(c, "invalid cohort_id")
			return
		}
		req.Selector.CohortID = &id
	}
	if body.LeagueID != "" {
		id, err := uuid.Parse(body.LeagueID)
		if err != nil {
			response.BadRequest(c, "invalid league_id")
			return
		}
		req.Selector.LeagueID = &id
	}
	receipt, err := h.svc.SendBulk(c.Request.Context(), req, middleware.ActorID(c))
	if err != nil {
		h.admissionError(c, err)
		return
	}
	response.Accepted(c, receipt)
}

// statusBody is the polling view of a job.
type statusBody struct {
	JobID       uuid.UUID `json:"job_id"`
	Status      string    `json:"status"`
	SentCount   int       `json:"sent_count"`
	FailedCount int       `json:"failed_count"`
	TotalCount  int       `json:"total_count"`
	Error       string    `json:"error,omitempty"`
}

// GetStatus handles GET /emails/jobs/:id.
func (h *Handler) GetStatus(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}
	job, err := h.svc.Status(c.Request.Context(), jobID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "job not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load job")
		return
	}
	response.OK(c, statusBody{
		JobID:       job.ID,
		Status:      job.Status,
		SentCount:   job.SentCount,
		FailedCount: job.FailedCount,
		TotalCount:  job.TotalCount,
		Error:       job.ErrorMessage,
	})
}

// List handles GET /emails/jobs.
func (h *Handler) List(c *gin.Context) {
	limit, offset := pageParams(c)
	list, err := h.repo.List(c.Request.Context(), limit, offset)
	if err != nil {
		response.Internal(c, "failed to list jobs")
		return
	}
	response.OK(c, list)
}

// ListLogs handles GET /emails/jobs/:id/logs.
func (h *Handler) ListLogs(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}
	logs, err := h.repo.ListLogsByJob(c.Request.Context(), jobID)
	if err != nil {
		response.Internal(c, "failed to load logs")
		return
	}
	response.OK(c, logs)
}

// Stats handles GET /emails/stats.
func (h *Handler) Stats(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	count, err := h.repo.CountRecent(c.Request.Context(), since)
	if err != nil {
		response.Internal(c, "failed to load stats")
		return
	}
	remaining, err := h.limiter.Remaining(c.Request.Context(), h.rateScope)
	if err != nil {
		response.Internal(c, "failed to load stats")
		return
	}
	response.OK(c, gin.H{"jobs_last_24h": count, "sends_remaining": remaining})
}

// Cancel handles POST /emails/jobs/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}
	job, err := h.svc.Cancel(c.Request.Context(), jobID, middleware.ActorID(c))
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "job not found")
	case errors.Is(err, ErrNotCancellable):
		response.Conflict(c, "job already finished")
	case err != nil:
		response.Internal(c, "failed to cancel job")
	default:
		response.OK(c, gin.H{"job_id": job.ID, "status": job.Status})
	}
}

// TestConnection handles POST /emails/test-connection.
func (h *Handler) TestConnection(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.provider.TestConnection(ctx); err != nil {
		response.ServiceUnavailable(c, err.Error())
		return
	}
	response.OK(c, gin.H{"connected": true})
}

func (h *Handler) admissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEmptySubject), errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrInvalidRecipient):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNoRecipients):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, ErrResolveFailed), errors.Is(err, ErrRenderFailed):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, ErrEnqueueFailed):
		response.ServiceUnavailable(c, err.Error())
	default:
		h.logger.Error("admission failed", zap.Error(err))
		response.Internal(c, "failed to admit job")
	}
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit = 50
	offset = 0
	if v, ok := c.GetQuery("limit"); ok {
		if n, err := parsePositive(v); err == nil && n <= 200 {
			limit = n
		}
	}
	if v, ok := c.GetQuery("offset"); ok {
		if n, err := parsePositive(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid number")
	}
	return n, nil
}
