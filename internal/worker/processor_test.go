package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-academy/backend/internal/jobs"
	"github.com/atlas-academy/backend/internal/mail"
	"github.com/atlas-academy/backend/internal/models"
	"github.com/atlas-academy/backend/pkg/queue"
)

// fakeStore is an in-memory JobStore.
type fakeStore struct {
	jobs        map[uuid.UUID]*models.EmailJob
	logs        map[uuid.UUID]*models.EmailLog // by log id
	byRecipient map[string]uuid.UUID           // jobID|recipientID -> log id
}

func newFakeStore(jobList ...*models.EmailJob) *fakeStore {
	s := &fakeStore{
		jobs:        map[uuid.UUID]*models.EmailJob{},
		logs:        map[uuid.UUID]*models.EmailLog{},
		byRecipient: map[string]uuid.UUID{},
	}
	for _, j := range jobList {
		s.jobs[j.ID] = j
	}
	return s
}

func recipientKey(jobID, recipientID uuid.UUID) string {
	return jobID.String() + "|" + recipientID.String()
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.EmailJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return job, nil
}

func (s *fakeStore) MarkProcessing(_ context.Context, id uuid.UUID) (string, error) {
	job, ok := s.jobs[id]
	if !ok {
		return "", jobs.ErrNotFound
	}
	if job.Status == models.JobStatusQueued {
		job.Status = models.JobStatusProcessing
	}
	return job.Status, nil
}

func (s *fakeStore) Finalize(_ context.Context, id uuid.UUID, status, errMsg string) error {
	job := s.jobs[id]
	job.Status = status
	job.ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) RecordError(_ context.Context, id uuid.UUID, errMsg string) error {
	s.jobs[id].ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) IncrementSent(_ context.Context, id uuid.UUID) error {
	s.jobs[id].SentCount++
	return nil
}

func (s *fakeStore) IncrementFailed(_ context.Context, id uuid.UUID) error {
	s.jobs[id].FailedCount++
	return nil
}

// CreateOrGetLog hands back a snapshot, as a row fetch would; later writes
// through the store do not mutate a snapshot the caller already holds.
func (s *fakeStore) CreateOrGetLog(_ context.Context, jobID uuid.UUID, rec models.Recipient, subject string) (*models.EmailLog, error) {
	key := recipientKey(jobID, rec.ID)
	if id, ok := s.byRecipient[key]; ok {
		snapshot := *s.logs[id]
		return &snapshot, nil
	}
	log := &models.EmailLog{
		ID:             uuid.New(),
		JobID:          jobID,
		RecipientID:    rec.ID,
		RecipientEmail: rec.Email,
		Subject:        subject,
		Status:         models.LogStatusPending,
	}
	s.logs[log.ID] = log
	s.byRecipient[key] = log.ID
	snapshot := *log
	return &snapshot, nil
}

func (s *fakeStore) MarkLogSent(_ context.Context, id uuid.UUID, providerMessageID string) error {
	log := s.logs[id]
	log.Status = models.LogStatusSent
	log.ProviderMessageID = providerMessageID
	return nil
}

func (s *fakeStore) MarkLogFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	log := s.logs[id]
	log.Status = models.LogStatusFailed
	log.ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) IncrementLogRetry(_ context.Context, id uuid.UUID, errMsg string) error {
	log := s.logs[id]
	log.RetryCount++
	log.ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) logFor(jobID, recipientID uuid.UUID) *models.EmailLog {
	id, ok := s.byRecipient[recipientKey(jobID, recipientID)]
	if !ok {
		return nil
	}
	return s.logs[id]
}

// fakeProvider returns scripted results per address, then succeeds.
type fakeProvider struct {
	script map[string][]mail.Result
	calls  []string
}

func (f *fakeProvider) Send(_ context.Context, msg mail.Message) mail.Result {
	f.calls = append(f.calls, msg.To)
	if seq := f.script[msg.To]; len(seq) > 0 {
		res := seq[0]
		f.script[msg.To] = seq[1:]
		return res
	}
	return mail.Result{Success: true, MessageID: "mid-" + msg.To}
}

func (f *fakeProvider) SendBulk(ctx context.Context, msgs []mail.Message) mail.BulkResult {
	out := mail.BulkResult{}
	for _, m := range msgs {
		out.Results = append(out.Results, f.Send(ctx, m))
	}
	return out
}

func (f *fakeProvider) TestConnection(context.Context) error { return nil }

func (f *fakeProvider) callsTo(email string) int {
	n := 0
	for _, to := range f.calls {
		if to == email {
			n++
		}
	}
	return n
}

// fakeLimiter admits a fixed budget; budget < 0 means unlimited.
type fakeLimiter struct{ budget int }

func (f *fakeLimiter) TryAcquire(context.Context, string) (bool, error) {
	if f.budget < 0 {
		return true, nil
	}
	if f.budget == 0 {
		return false, nil
	}
	f.budget--
	return true, nil
}

func transient(msg string) mail.Result {
	return mail.Result{Err: errors.New(msg), Retryable: true}
}

func permanent(msg string) mail.Result {
	return mail.Result{Err: errors.New(msg), Retryable: false}
}

func testRecipients(n int) []models.Recipient {
	recs := make([]models.Recipient, n)
	for i := range recs {
		recs[i] = models.Recipient{
			ID:    uuid.New(),
			Email: fmt.Sprintf("user%d@example.com", i),
		}
	}
	return recs
}

func queuedJob(recs []models.Recipient) *models.EmailJob {
	return &models.EmailJob{
		ID:          uuid.New(),
		Subject:     "Cohort update",
		HTMLContent: "<p>hello</p>",
		Recipients:  recs,
		TotalCount:  len(recs),
		Priority:    5,
		Status:      models.JobStatusQueued,
	}
}

func entryFor(job *models.EmailJob) *queue.Entry {
	return &queue.Entry{Ref: uuid.New().String(), JobID: job.ID, Attempt: 1}
}

func TestProcessAllSent(t *testing.T) {
	recs := testRecipients(3)
	job := queuedJob(recs)
	store := newFakeStore(job)
	provider := &fakeProvider{}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	require.NoError(t, p.Process(context.Background(), entryFor(job)))

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.SentCount)
	assert.Equal(t, 0, job.FailedCount)
	assert.Len(t, provider.calls, 3)
	for _, rec := range recs {
		log := store.logFor(job.ID, rec.ID)
		require.NotNil(t, log)
		assert.Equal(t, models.LogStatusSent, log.Status)
		assert.NotEmpty(t, log.ProviderMessageID)
	}
}

func TestProcessTransientFailureRetriesWithinJob(t *testing.T) {
	recs := testRecipients(3)
	job := queuedJob(recs)
	store := newFakeStore(job)
	flaky := recs[1].Email
	provider := &fakeProvider{script: map[string][]mail.Result{
		flaky: {transient("451 mailbox busy"), transient("451 mailbox busy")},
	}}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	require.NoError(t, p.Process(context.Background(), entryFor(job)))

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.SentCount)
	assert.Equal(t, 0, job.FailedCount)
	assert.Equal(t, 3, provider.callsTo(flaky), "two transient failures then one success")

	log := store.logFor(job.ID, recs[1].ID)
	assert.Equal(t, models.LogStatusSent, log.Status)
	assert.Equal(t, 2, log.RetryCount)
}

func TestProcessRetryCeilingFailsRecipient(t *testing.T) {
	recs := testRecipients(2)
	job := queuedJob(recs)
	store := newFakeStore(job)
	dead := recs[0].Email
	provider := &fakeProvider{script: map[string][]mail.Result{
		dead: {transient("450 try later"), transient("450 try later"), transient("450 try later"), transient("450 try later")},
	}}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	require.NoError(t, p.Process(context.Background(), entryFor(job)))

	assert.Equal(t, models.JobStatusCompleted, job.Status, "one delivered recipient keeps the job out of FAILED")
	assert.Equal(t, 1, job.SentCount)
	assert.Equal(t, 1, job.FailedCount)
	assert.Equal(t, 3, provider.callsTo(dead), "attempts stop at the retry ceiling")

	log := store.logFor(job.ID, recs[0].ID)
	assert.Equal(t, models.LogStatusFailed, log.Status)
	assert.Equal(t, 3, log.RetryCount)
}

func TestProcessPermanentFailureDoesNotRetry(t *testing.T) {
	recs := testRecipients(2)
	job := queuedJob(recs)
	store := newFakeStore(job)
	bounced := recs[1].Email
	provider := &fakeProvider{script: map[string][]mail.Result{
		bounced: {permanent("550 no such user")},
	}}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	require.NoError(t, p.Process(context.Background(), entryFor(job)))

	assert.Equal(t, 1, provider.callsTo(bounced), "hard bounces are never retried")
	log := store.logFor(job.ID, recs[1].ID)
	assert.Equal(t, models.LogStatusFailed, log.Status)
	assert.Equal(t, 0, log.RetryCount)
	assert.Contains(t, log.ErrorMessage, "550")
}

func TestProcessAllFailedMarksJobFailed(t *testing.T) {
	recs := testRecipients(2)
	job := queuedJob(recs)
	store := newFakeStore(job)
	provider := &fakeProvider{script: map[string][]mail.Result{
		recs[0].Email: {permanent("550 no such user")},
		recs[1].Email: {permanent("553 bad address")},
	}}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	require.NoError(t, p.Process(context.Background(), entryFor(job)))

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "all recipients failed", job.ErrorMessage)
	assert.Equal(t, 2, job.FailedCount)
}

func TestProcessCancelledJobSendsNothing(t *testing.T) {
	job := queuedJob(testRecipients(2))
	job.Status = models.JobStatusCancelled
	store := newFakeStore(job)
	provider := &fakeProvider{}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	require.NoError(t, p.Process(context.Background(), entryFor(job)))

	assert.Empty(t, provider.calls)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestProcessStaleRedeliveryIsNoop(t *testing.T) {
	job := queuedJob(testRecipients(1))
	job.Status = models.JobStatusCompleted
	store := newFakeStore(job)
	provider := &fakeProvider{}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	require.NoError(t, p.Process(context.Background(), entryFor(job)))
	assert.Empty(t, provider.calls)
}

func TestProcessMissingJobAcks(t *testing.T) {
	store := newFakeStore()
	p := NewProcessor(store, &fakeProvider{}, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	err := p.Process(context.Background(), &queue.Entry{Ref: "x", JobID: uuid.New(), Attempt: 1})
	assert.NoError(t, err, "an entry pointing at a deleted job is dropped, not retried")
}

func TestProcessRateLimitedPausesJob(t *testing.T) {
	recs := testRecipients(3)
	job := queuedJob(recs)
	store := newFakeStore(job)
	provider := &fakeProvider{}
	p := NewProcessor(store, provider, &fakeLimiter{budget: 1}, nil, "noreply", 3, nil)

	err := p.Process(context.Background(), entryFor(job))
	assert.ErrorIs(t, err, errRateLimited)
	assert.Len(t, provider.calls, 1, "only the budgeted send goes out")
	assert.Equal(t, models.JobStatusProcessing, job.Status, "the job stays open for the requeued attempt")
	assert.Equal(t, 1, job.SentCount)
}

func TestProcessCancelAfterRateLimitPauseStopsDelivery(t *testing.T) {
	// A job paused by the rate limiter sits PROCESSING with its entry parked
	// in the queue. Cancelling it while parked must stop the remaining sends
	// when the entry comes back around.
	recs := testRecipients(3)
	job := queuedJob(recs)
	store := newFakeStore(job)
	provider := &fakeProvider{}
	p := NewProcessor(store, provider, &fakeLimiter{budget: 1}, nil, "noreply", 3, nil)

	err := p.Process(context.Background(), entryFor(job))
	require.ErrorIs(t, err, errRateLimited)
	require.Len(t, provider.calls, 1)

	job.Status = models.JobStatusCancelled

	require.NoError(t, p.Process(context.Background(), entryFor(job)))
	assert.Len(t, provider.calls, 1, "no further sends after the cancel")
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestProcessResumeSkipsSettledRecipients(t *testing.T) {
	recs := testRecipients(3)
	job := queuedJob(recs)
	store := newFakeStore(job)
	provider := &fakeProvider{}
	p := NewProcessor(store, provider, &fakeLimiter{budget: -1}, nil, "noreply", 3, nil)

	// First attempt died after one recipient: its log is SENT and the job
	// was left PROCESSING by the crashed worker.
	ctx := context.Background()
	log, err := store.CreateOrGetLog(ctx, job.ID, recs[0], job.Subject)
	require.NoError(t, err)
	require.NoError(t, store.MarkLogSent(ctx, log.ID, "mid-earlier"))
	require.NoError(t, store.IncrementSent(ctx, job.ID))
	job.Status = models.JobStatusProcessing

	require.NoError(t, p.Process(ctx, entryFor(job)))

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.SentCount)
	assert.Equal(t, 0, provider.callsTo(recs[0].Email), "a settled recipient is never re-sent")
	assert.Equal(t, 1, provider.callsTo(recs[1].Email))
	assert.Equal(t, 1, provider.callsTo(recs[2].Email))
}
