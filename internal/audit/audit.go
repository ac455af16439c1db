// Package audit is the fire-and-forget sink for job lifecycle events. A
// failed audit write must never fail the email pipeline, so the Sink contract
// returns nothing; implementations log their own errors.
package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Lifecycle event types.
const (
	EventJobCreated   = "email_job.created"
	EventJobStarted   = "email_job.started"
	EventJobCompleted = "email_job.completed"
	EventJobFailed    = "email_job.failed"
	EventJobCancelled = "email_job.cancelled"
)

// Event is one audit record.
type Event struct {
	Type    string
	JobID   *uuid.UUID
	ActorID *uuid.UUID
	Detail  map[string]interface{}
}

// Sink consumes audit events.
type Sink interface {
	Write(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

// Write implements Sink.
func (Nop) Write(context.Context, Event) {}

// Writer persists events to the audit_events table.
type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewWriter creates a pg-backed audit sink.
func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{pool: pool, logger: logger}
}

// Write inserts the event; failures are logged and swallowed.
func (w *Writer) Write(ctx context.Context, ev Event) {
	detail := ev.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		w.logger.Warn("encode audit detail", zap.Error(err))
		return
	}
	const q = `INSERT INTO audit_events (id, event_type, job_id, actor_id, detail)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)`
	if _, err := w.pool.Exec(ctx, q, ev.Type, ev.JobID, ev.ActorID, raw); err != nil {
		w.logger.Warn("write audit event", zap.String("type", ev.Type), zap.Error(err))
	}
}
