package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-academy/backend/internal/mail"
	"github.com/atlas-academy/backend/internal/models"
	"github.com/atlas-academy/backend/pkg/response"
)

type stubProvider struct{ connErr error }

func (p *stubProvider) Send(context.Context, mail.Message) mail.Result {
	return mail.Result{Success: true}
}

func (p *stubProvider) SendBulk(context.Context, []mail.Message) mail.BulkResult {
	return mail.BulkResult{}
}

func (p *stubProvider) TestConnection(context.Context) error { return p.connErr }

type stubReader struct{ recent int }

func (r *stubReader) List(context.Context, int, int) ([]*models.EmailJob, error) { return nil, nil }

func (r *stubReader) ListLogsByJob(context.Context, uuid.UUID) ([]*models.EmailLog, error) {
	return nil, nil
}

func (r *stubReader) CountRecent(context.Context, time.Time) (int, error) { return r.recent, nil }

type stubReporter struct{ remaining int }

func (r *stubReporter) Remaining(context.Context, string) (int, error) { return r.remaining, nil }

func newTestRouter(f *serviceFixture, provider mail.Provider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(f.svc, &stubReader{recent: 2}, provider, &stubReporter{remaining: 7}, "noreply@example.com", nil)
	r := gin.New()
	r.POST("/emails/send", h.Send)
	r.POST("/emails/bulk", h.SendBulk)
	r.GET("/emails/stats", h.Stats)
	r.GET("/emails/jobs/:id", h.GetStatus)
	r.POST("/emails/jobs/:id/cancel", h.Cancel)
	r.POST("/emails/test-connection", h.TestConnection)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var envelope response.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return w, envelope
}

func sendPayload() gin.H {
	return gin.H{
		"recipients": []gin.H{
			{"id": uuid.New().String(), "email": "a@example.com", "name": "Ada"},
		},
		"subject":      "Welcome",
		"html_content": "<p>hi</p>",
	}
}

func TestSendEndpointAccepts(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	w, envelope := doJSON(t, r, http.MethodPost, "/emails/send", sendPayload())
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, envelope.Success)

	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, models.JobStatusQueued, data["status"])
	assert.NotEmpty(t, data["job_id"])
	assert.Equal(t, float64(1), data["estimated_recipients"])
}

func TestSendEndpointRequiresRecipients(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	payload := sendPayload()
	payload["recipients"] = []gin.H{}
	w, envelope := doJSON(t, r, http.MethodPost, "/emails/send", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, envelope.Success)
}

func TestSendEndpointRejectsInvalidEmail(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	payload := sendPayload()
	payload["recipients"] = []gin.H{{"id": uuid.New().String(), "email": "not-an-email"}}
	w, _ := doJSON(t, r, http.MethodPost, "/emails/send", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkEndpointRequiresRecipientType(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	w, _ := doJSON(t, r, http.MethodPost, "/emails/bulk", gin.H{
		"subject":      "x",
		"html_content": "<p>x</p>",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkEndpointEmptyResolutionIs422(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	w, _ := doJSON(t, r, http.MethodPost, "/emails/bulk", gin.H{
		"subject":        "League notice",
		"html_content":   "<p>x</p>",
		"recipient_type": models.RecipientTypeRoleBased,
		"role":           "mentor",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	receipt, err := f.svc.Send(context.Background(), directRequest("a@example.com"), uuid.New())
	require.NoError(t, err)

	w, envelope := doJSON(t, r, http.MethodGet, "/emails/jobs/"+receipt.JobID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, models.JobStatusQueued, data["status"])
	assert.Equal(t, float64(1), data["total_count"])
}

func TestStatusEndpointUnknownJob(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	w, _ := doJSON(t, r, http.MethodGet, "/emails/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelEndpointProcessingJob(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	receipt, err := f.svc.Send(context.Background(), directRequest("a@example.com"), uuid.New())
	require.NoError(t, err)
	f.store.jobs[receipt.JobID].Status = models.JobStatusProcessing

	w, envelope := doJSON(t, r, http.MethodPost, "/emails/jobs/"+receipt.JobID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, models.JobStatusCancelled, data["status"])
}

func TestCancelEndpointConflict(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	receipt, err := f.svc.Send(context.Background(), directRequest("a@example.com"), uuid.New())
	require.NoError(t, err)
	f.store.jobs[receipt.JobID].Status = models.JobStatusCompleted

	w, _ := doJSON(t, r, http.MethodPost, "/emails/jobs/"+receipt.JobID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{})

	w, envelope := doJSON(t, r, http.MethodGet, "/emails/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["jobs_last_24h"])
	assert.Equal(t, float64(7), data["sends_remaining"])
}

func TestTestConnectionEndpointUnavailable(t *testing.T) {
	f := newServiceFixture()
	r := newTestRouter(f, &stubProvider{connErr: assert.AnError})

	w, _ := doJSON(t, r, http.MethodPost, "/emails/test-connection", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
