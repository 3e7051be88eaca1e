package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/eventcast/internal/campaign"
	"github.com/foxzi/eventcast/internal/config"
	"github.com/foxzi/eventcast/internal/db"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/ratelimit"
	"github.com/foxzi/eventcast/internal/repository"
	"github.com/foxzi/eventcast/internal/sandbox"
	"github.com/foxzi/eventcast/internal/schedule"
	"github.com/foxzi/eventcast/internal/segment"
	"github.com/foxzi/eventcast/internal/sender"
	"github.com/foxzi/eventcast/internal/worker"
)

const testAPIKey = "test-key"

type testServer struct {
	server   *Server
	repos    campaign.Repositories
	event    *models.Event
	other    *models.Event
	template *models.Template
	sent     int
}

func newTestServer(t *testing.T, apiKey string, opts ...Option) *testServer {
	t.Helper()
	ctx := context.Background()

	database, err := db.New(db.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ts := &testServer{}
	ts.repos = campaign.Repositories{
		Events:      repository.NewEventRepository(database.DB),
		Templates:   repository.NewTemplateRepository(database.DB),
		Jobs:        repository.NewJobRepository(database.DB),
		ABTests:     repository.NewABTestRepository(database.DB),
		Automations: repository.NewAutomationRepository(database.DB),
		FollowUps:   repository.NewFollowUpRepository(database.DB),
	}

	ts.event = &models.Event{Name: "Expo"}
	ts.other = &models.Event{Name: "Other"}
	for _, ev := range []*models.Event{ts.event, ts.other} {
		if err := ts.repos.Events.Create(ctx, ev); err != nil {
			t.Fatalf("failed to create event: %v", err)
		}
	}
	ts.template = &models.Template{EventID: ts.event.ID, Name: "Invite", Channel: models.ChannelEmail, Subject: "Hi", Body: "Hello {{first_name}}"}
	if err := ts.repos.Templates.Create(ctx, ts.template); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	participants := repository.NewParticipantRepository(database.DB)
	list := make([]models.Participant, 6)
	for i := range list {
		list[i] = models.Participant{
			EventID:   ts.event.ID,
			FirstName: fmt.Sprintf("P%d", i),
			Email:     fmt.Sprintf("p%d@example.com", i),
			Status:    models.ParticipantRegistered,
			VIP:       i < 2,
		}
	}
	if err := participants.CreateBatch(ctx, list); err != nil {
		t.Fatalf("failed to create participants: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := segment.NewResolver(participants)
	send := sender.Func(func(context.Context, *sender.Message) error {
		ts.sent++
		return nil
	})
	w := worker.New(worker.Config{BatchSize: 10, RetryBase: time.Millisecond}, worker.Stores{
		Jobs:      ts.repos.Jobs,
		Events:    ts.repos.Events,
		Templates: ts.repos.Templates,
		Variables: repository.NewVariableRepository(database.DB),
		ABTests:   ts.repos.ABTests,
	}, resolver, send, logger)
	svc := campaign.New(campaign.Config{MissedPolicy: schedule.MissedSkip}, ts.repos, resolver, w, logger)

	ts.server = NewServer(svc, &config.APIConfig{APIKey: apiKey}, logger, opts...)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) jobsPath() string {
	return "/api/v1/events/" + ts.event.ID + "/jobs"
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", resp.Status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"bearer token", "Authorization", "Bearer " + testAPIKey, http.StatusOK},
		{"x-api-key header", "X-API-Key", testAPIKey, http.StatusOK},
		{"wrong key", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"no key", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", ts.jobsPath(), nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	ts := newTestServer(t, "")

	req := httptest.NewRequest("GET", ts.jobsPath(), nil)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 without configured key, got %d", w.Code)
	}
}

func TestEnqueueAndRun(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	body := fmt.Sprintf(`{"template_id":%q,"channel":"email","segmentation":{"rules":[{"type":"vip_only"}]}}`, ts.template.ID)
	w := ts.do(t, "POST", ts.jobsPath(), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var job models.Job
	decodeBody(t, w, &job)
	if job.Status != models.JobPending || job.TotalCount != 2 {
		t.Fatalf("job = %+v, want pending with 2 recipients", job)
	}

	w = ts.do(t, "POST", "/api/v1/worker/run", "")
	var run RunResponse
	decodeBody(t, w, &run)
	if !run.Processed || run.JobID != job.ID || run.Status != models.JobCompleted {
		t.Fatalf("run = %+v", run)
	}
	if ts.sent != 2 {
		t.Errorf("sent %d messages, want 2", ts.sent)
	}

	w = ts.do(t, "GET", ts.jobsPath()+"/"+job.ID+"/deliveries", "")
	if w.Code != http.StatusOK {
		t.Fatalf("deliveries status = %d", w.Code)
	}
	var deliveries DeliveriesResponse
	decodeBody(t, w, &deliveries)
	if deliveries.Total != 2 || deliveries.Stats.Success != 2 {
		t.Errorf("deliveries = %+v", deliveries)
	}

	// nothing left to run
	w = ts.do(t, "POST", "/api/v1/worker/run", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	run = RunResponse{}
	decodeBody(t, w, &run)
	if run.Processed {
		t.Errorf("expected no job to be processed, got %+v", run)
	}
}

func TestRunWorkerOutlivesClient(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	body := fmt.Sprintf(`{"template_id":%q,"channel":"email","segmentation":{"rules":[{"type":"all"}]}}`, ts.template.ID)
	w := ts.do(t, "POST", ts.jobsPath(), body)
	var job models.Job
	decodeBody(t, w, &job)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/worker/run", nil).WithContext(ctx)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	var run RunResponse
	decodeBody(t, rec, &run)
	if run.Status != models.JobCompleted {
		t.Errorf("run = %+v, want completed despite the disconnected client", run)
	}
	if ts.sent != 6 {
		t.Errorf("sent %d messages, want 6", ts.sent)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "unknown rule",
			body:       fmt.Sprintf(`{"template_id":%q,"channel":"email","segmentation":{"rules":[{"type":"everyone"}]}}`, ts.template.ID),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing segmentation",
			body:       fmt.Sprintf(`{"template_id":%q,"channel":"email"}`, ts.template.ID),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			body:       `{"template":"x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty audience",
			body:       fmt.Sprintf(`{"template_id":%q,"channel":"email","segmentation":{"rules":[{"type":"invited_only"}]}}`, ts.template.ID),
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unknown template",
			body:       `{"template_id":"missing","channel":"email","segmentation":{"rules":[{"type":"all"}]}}`,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", ts.jobsPath(), tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestStopJobStatuses(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	body := fmt.Sprintf(`{"template_id":%q,"channel":"email","segmentation":{"rules":[{"type":"all"}]}}`, ts.template.ID)
	w := ts.do(t, "POST", ts.jobsPath(), body)
	var job models.Job
	decodeBody(t, w, &job)

	// only processing jobs can be stopped
	w = ts.do(t, "POST", ts.jobsPath()+"/"+job.ID+"/stop", "")
	if w.Code != http.StatusConflict {
		t.Errorf("stop pending: expected status 409, got %d", w.Code)
	}

	w = ts.do(t, "POST", "/api/v1/events/"+ts.other.ID+"/jobs/"+job.ID+"/stop", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("stop from other event: expected status 403, got %d", w.Code)
	}

	w = ts.do(t, "GET", ts.jobsPath()+"/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing job: expected status 404, got %d", w.Code)
	}
}

func TestPreviewSegment(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	w := ts.do(t, "POST", "/api/v1/events/"+ts.event.ID+"/segments/preview",
		`{"channel":"email","segmentation":{"rules":[{"type":"registered_only"},{"type":"vip_only"}]}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PreviewResponse
	decodeBody(t, w, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestSaveABTestWeights(t *testing.T) {
	ts := newTestServer(t, testAPIKey)
	path := "/api/v1/events/" + ts.event.ID + "/abtests"

	variants := func(a, b int) string {
		return fmt.Sprintf(`{"name":"subject","channel":"email","segmentation":{"rules":[{"type":"all"}]},"variants":[`+
			`{"name":"A","template_id":%q,"weight":%d},{"name":"B","template_id":%q,"weight":%d}]}`,
			ts.template.ID, a, ts.template.ID, b)
	}

	w := ts.do(t, "POST", path, variants(60, 30))
	if w.Code != http.StatusBadRequest {
		t.Errorf("weights 60/30: expected status 400, got %d", w.Code)
	}

	w = ts.do(t, "POST", path, variants(60, 40))
	if w.Code != http.StatusCreated {
		t.Fatalf("weights 60/40: expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created ABTestResponse
	decodeBody(t, w, &created)

	w = ts.do(t, "POST", path+"/"+created.ID+"/start", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("start: expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, "GET", path+"/"+created.ID, "")
	var test models.ABTest
	decodeBody(t, w, &test)
	if test.Status != models.ABTestRunning || test.JobID == "" {
		t.Errorf("test = %+v, want running with a job", test)
	}
}

func TestSignalWithoutAutomations(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	w := ts.do(t, "POST", "/api/v1/events/"+ts.event.ID+"/signals/checkin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var report campaign.TriggerReport
	decodeBody(t, w, &report)
	if len(report.JobIDs) != 0 {
		t.Errorf("signal enqueued %v without automations", report.JobIDs)
	}
}

func TestSandboxEndpoints(t *testing.T) {
	stateDB, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open state db: %v", err)
	}
	t.Cleanup(func() { stateDB.Close() })

	storage, err := sandbox.NewStorage(stateDB)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(stateDB, &ratelimit.Config{})
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	ts := newTestServer(t, testAPIKey, WithSandbox(storage), WithLimiter(limiter))
	ctx := context.Background()
	for i, ch := range []string{"email", "email", "sms"} {
		msg := &sandbox.Message{ID: fmt.Sprintf("m%d", i), JobID: "job-1", Channel: ch, To: "x", CapturedAt: time.Now()}
		if err := storage.Save(ctx, msg); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	w := ts.do(t, "GET", "/api/v1/sandbox/messages?channel=email", "")
	var list SandboxListResponse
	decodeBody(t, w, &list)
	if list.Total != 2 {
		t.Errorf("listed %d email messages, want 2", list.Total)
	}

	w = ts.do(t, "GET", "/api/v1/sandbox/stats", "")
	var stats sandbox.Stats
	decodeBody(t, w, &stats)
	if stats.Total != 3 || stats.ByChannel["sms"] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	w = ts.do(t, "DELETE", "/api/v1/sandbox/messages?older_than=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad older_than: expected status 400, got %d", w.Code)
	}

	w = ts.do(t, "DELETE", "/api/v1/sandbox/messages", "")
	var cleared ClearResponse
	decodeBody(t, w, &cleared)
	if cleared.Cleared != 3 {
		t.Errorf("cleared %d, want 3", cleared.Cleared)
	}

	w = ts.do(t, "GET", "/api/v1/ratelimits/channel/email", "")
	if w.Code != http.StatusOK {
		t.Errorf("rate limit stats: expected status 200, got %d", w.Code)
	}
	w = ts.do(t, "GET", "/api/v1/ratelimits/planet/earth", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown level: expected status 400, got %d", w.Code)
	}
}
