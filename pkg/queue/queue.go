// Package queue implements the durable, priority-aware work queue backing the
// email pipeline. Entries live in Redis sorted sets: pending (scored by
// priority then enqueue time), processing (scored by visibility deadline) and
// delayed (scored by ready time). A dequeued entry that is never acked becomes
// visible again once its deadline passes, which is what gives the pipeline
// at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPending    = "mailq:pending"
	keyProcessing = "mailq:processing"
	keyDelayed    = "mailq:delayed"
	keyEntries    = "mailq:entries"
	keyScores     = "mailq:scores"

	// priorityStride spaces priorities apart in the pending score so that
	// enqueue-time millis break ties FIFO within one priority.
	priorityStride = 1e13

	// janitorBatch bounds how many entries one promotion/reclaim pass moves.
	janitorBatch = 100
)

// ErrNoEntry is returned by Dequeue when the context expires before an entry
// becomes available.
var ErrNoEntry = errors.New("queue: no entry available")

// Entry is a lightweight job reference held on the queue. The full payload
// stays in the job store; workers rehydrate from there.
type Entry struct {
	Ref        string    `json:"ref"`
	JobID      uuid.UUID `json:"job_id"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ClaimedBy  string    `json:"claimed_by,omitempty"`
}

// Queue is a Redis-backed durable job queue.
type Queue struct {
	client            *redis.Client
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	logger            *zap.Logger
}

// New creates a queue over the given Redis client.
func New(client *redis.Client, visibilityTimeout, pollInterval time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:            client,
		visibilityTimeout: visibilityTimeout,
		pollInterval:      pollInterval,
		logger:            logger,
	}
}

// dequeueScript atomically claims the lowest-scored pending entry: removes it
// from pending and parks it in processing under its visibility deadline. Two
// workers can never claim the same entry.
var dequeueScript = redis.NewScript(`
local member = redis.call('ZRANGE', KEYS[1], 0, 0)
if #member == 0 then
	return false
end
local ref = member[1]
redis.call('ZREM', KEYS[1], ref)
redis.call('ZADD', KEYS[2], ARGV[1], ref)
return redis.call('HGET', KEYS[3], ref)
`)

// promoteScript moves entries whose ready/deadline score has passed back to
// pending under their original priority score.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, ref in ipairs(due) do
	local score = redis.call('HGET', KEYS[3], ref)
	if score then
		redis.call('ZADD', KEYS[2], score, ref)
	end
	redis.call('ZREM', KEYS[1], ref)
end
return #due
`)

func pendingScore(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*priorityStride + float64(enqueuedAt.UnixMilli())
}

// Enqueue adds a reference for jobID at the given priority (lower is more
// urgent) and returns the queue ref.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID, priority int) (string, error) {
	entry := Entry{
		Ref:        uuid.New().String(),
		JobID:      jobID,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	score := pendingScore(priority, entry.EnqueuedAt)

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyEntries, entry.Ref, raw)
		p.HSet(ctx, keyScores, entry.Ref, score)
		p.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: entry.Ref})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("enqueued job reference",
		zap.String("ref", entry.Ref),
		zap.String("job_id", jobID.String()),
		zap.Int("priority", priority),
	)
	return entry.Ref, nil
}

// Dequeue claims the next entry for workerID, polling until one is available
// or ctx is done. The claim holds until Ack or Nack, or until the visibility
// timeout elapses and a janitor pass returns the entry to pending.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Entry, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		entry, err := q.tryDequeue(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrNoEntry
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryDequeue(ctx context.Context, workerID string) (*Entry, error) {
	deadline := time.Now().Add(q.visibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{keyPending, keyProcessing, keyEntries},
		deadline,
	).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		q.logger.Warn("invalid queue entry", zap.String("raw", raw), zap.Error(err))
		return nil, nil
	}
	entry.Attempt++
	entry.ClaimedBy = workerID
	if updated, err := json.Marshal(entry); err == nil {
		_ = q.client.HSet(ctx, keyEntries, entry.Ref, updated).Err()
	}
	return &entry, nil
}

// Ack removes a claimed entry permanently.
func (q *Queue) Ack(ctx context.Context, entry *Entry) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, keyProcessing, entry.Ref)
		p.HDel(ctx, keyEntries, entry.Ref)
		p.HDel(ctx, keyScores, entry.Ref)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack releases a claimed entry back to the queue after delay. The entry
// keeps its incremented attempt count so callers can grow the delay.
func (q *Queue) Nack(ctx context.Context, entry *Entry, delay time.Duration) error {
	entry.ClaimedBy = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	readyAt := time.Now().Add(delay).UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, keyProcessing, entry.Ref)
		p.HSet(ctx, keyEntries, entry.Ref, raw)
		p.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt), Member: entry.Ref})
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	q.logger.Info("entry requeued",
		zap.String("ref", entry.Ref),
		zap.String("job_id", entry.JobID.String()),
		zap.Int("attempt", entry.Attempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// Cancel removes an un-claimed entry (pending or delayed). Returns true if
// the reference was removed; false means a worker already claimed it, in
// which case cancellation is honored at the worker's own checkpoints.
func (q *Queue) Cancel(ctx context.Context, ref string) (bool, error) {
	var pending, delayed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.ZRem(ctx, keyPending, ref)
		delayed = p.ZRem(ctx, keyDelayed, ref)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	removed := pending.Val()+delayed.Val() > 0
	if removed {
		_, _ = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, keyEntries, ref)
			p.HDel(ctx, keyScores, ref)
			return nil
		})
	}
	return removed, nil
}

// Depth returns the number of immediately deliverable entries.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, keyPending).Result()
}

// PromoteDelayed moves nacked entries whose delay has elapsed back to pending.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	return q.runPromotion(ctx, keyDelayed)
}

// ReclaimExpired returns entries whose claim outlived the visibility timeout
// to pending, making work from crashed workers redeliverable.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	return q.runPromotion(ctx, keyProcessing)
}

func (q *Queue) runPromotion(ctx context.Context, fromKey string) (int, error) {
	now := time.Now().UnixMilli()
	res, err := promoteScript.Run(ctx, q.client,
		[]string{fromKey, keyPending, keyScores},
		now, janitorBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote from %s: %w", fromKey, err)
	}
	return res, nil
}

// RunJanitor periodically promotes due delayed entries and reclaims stalled
// claims until ctx is done. Safe to run from multiple processes.
func (q *Queue) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.PromoteDelayed(ctx); err != nil {
				q.logger.Warn("promote delayed", zap.Error(err))
			} else if n > 0 {
				q.logger.Debug("promoted delayed entries", zap.Int("count", n))
			}
			if n, err := q.ReclaimExpired(ctx); err != nil {
				q.logger.Warn("reclaim expired", zap.Error(err))
			} else if n > 0 {
				q.logger.Info("reclaimed stalled entries", zap.Int("count", n))
			}
		}
	}
}
