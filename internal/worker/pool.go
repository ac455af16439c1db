// Package worker runs the concurrent pull loops that drain the email queue.
// Pool instances coordinate only through the queue's exclusive-dequeue
// semantics, so pools may run across processes and machines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-academy/backend/internal/metrics"
	"github.com/atlas-academy/backend/pkg/queue"
)

// Queue is the queue surface the pool needs. Implemented by queue.Queue.
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (*queue.Entry, error)
	Ack(ctx context.Context, entry *queue.Entry) error
	Nack(ctx context.Context, entry *queue.Entry, delay time.Duration) error
	Depth(ctx context.Context) (int64, error)
}

// Config holds pool tuning.
type Config struct {
	Count         int           // concurrent job-processing slots
	NackBaseDelay time.Duration // base for exponential requeue backoff
	NackMaxDelay  time.Duration // requeue backoff cap
}

// Pool owns Count worker goroutines sharing one processor.
type Pool struct {
	queue     Queue
	processor *Processor
	cfg       Config
	logger    *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(q Queue, processor *Processor, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	return &Pool{queue: q, processor: processor, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until ctx is done and all workers exit.
func (p *Pool) Run(ctx context.Context) {
	host, _ := os.Hostname()
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d-%s", host, i, uuid.New().String()[:8])
		go func(id string) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(workerID)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger := p.logger.With(zap.String("worker_id", workerID))
	logger.Info("worker started")

	// Infrastructure failures (store or queue down) back the loop off
	// instead of crashing the process; the backoff resets on any success.
	infraBackoff := backoff.NewExponentialBackOff()
	infraBackoff.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return
		default:
		}

		entry, err := p.queue.Dequeue(ctx, workerID)
		if errors.Is(err, queue.ErrNoEntry) {
			continue
		}
		if err != nil {
			logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx, infraBackoff.NextBackOff())
			continue
		}
		infraBackoff.Reset()

		logger.Debug("processing entry",
			zap.String("ref", entry.Ref),
			zap.String("job_id", entry.JobID.String()),
			zap.Int("attempt", entry.Attempt),
		)
		p.handle(ctx, logger, entry)

		if depth, err := p.queue.Depth(ctx); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger *zap.Logger, entry *queue.Entry) {
	err := p.processor.Process(ctx, entry)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, entry); ackErr != nil {
			logger.Error("ack failed", zap.String("ref", entry.Ref), zap.Error(ackErr))
		}
	case errors.Is(err, errRateLimited):
		// The whole job pauses; budget refills at the window boundary.
		logger.Info("job paused on send budget",
			zap.String("job_id", entry.JobID.String()))
		if nackErr := p.queue.Nack(ctx, entry, p.cfg.NackBaseDelay); nackErr != nil {
			logger.Error("nack failed", zap.String("ref", entry.Ref), zap.Error(nackErr))
		}
	default:
		logger.Error("job processing failed",
			zap.String("job_id", entry.JobID.String()),
			zap.Int("attempt", entry.Attempt),
			zap.Error(err),
		)
		if nackErr := p.queue.Nack(ctx, entry, p.nackDelay(entry.Attempt)); nackErr != nil {
			logger.Error("nack failed", zap.String("ref", entry.Ref), zap.Error(nackErr))
		}
	}
}

// nackDelay grows the requeue delay exponentially with the delivery attempt,
// capped, so a permanently failing job cannot hot-loop.
func (p *Pool) nackDelay(attempt int) time.Duration {
	delay := p.cfg.NackBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.NackMaxDelay {
			return p.cfg.NackMaxDelay
		}
	}
	if delay > p.cfg.NackMaxDelay {
		delay = p.cfg.NackMaxDelay
	}
	return delay
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
