package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHelpersWithoutGlobal(t *testing.T) {
	SetGlobal(nil)

	// must not panic
	IncJobFinished("completed")
	IncWorkerRun("idle")
	IncDelivery("email", "success", "")
	ObserveBatch("email", time.Second)
	IncTriggerFired("automation")
	IncRateLimitExceeded("channel")
}

func TestHelpersRecord(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncJobFinished("completed")
	IncJobFinished("completed")
	IncDelivery("sms", "failed", "rate_limit")
	IncTriggerFired("follow_up")
	IncRateLimitExceeded("event")
	ObserveBatch("sms", 200*time.Millisecond)

	if got := testutil.ToFloat64(m.JobsFinishedTotal.WithLabelValues("completed")); got != 2 {
		t.Errorf("jobs finished = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("sms", "failed", "rate_limit")); got != 1 {
		t.Errorf("deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TriggersFiredTotal.WithLabelValues("follow_up")); got != 1 {
		t.Errorf("triggers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitExceededTotal.WithLabelValues("event")); got != 1 {
		t.Errorf("rate limit = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.BatchDurationSeconds); n != 1 {
		t.Errorf("expected one batch histogram series, got %d", n)
	}
}

type fakeJobStats struct {
	counts map[models.JobStatus]int
	err    error
}

func (f *fakeJobStats) CountByStatus(ctx context.Context, eventID string) (map[models.JobStatus]int, error) {
	return f.counts, f.err
}

func TestCollector(t *testing.T) {
	m := New()
	stats := &fakeJobStats{counts: map[models.JobStatus]int{models.JobPending: 3, models.JobCompleted: 7}}
	c := NewCollector(m, stats, time.Hour, testLogger())

	c.Collect(context.Background())

	if got := testutil.ToFloat64(m.JobsByStatus.WithLabelValues("pending")); got != 3 {
		t.Errorf("pending gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.JobsByStatus.WithLabelValues("completed")); got != 7 {
		t.Errorf("completed gauge = %v, want 7", got)
	}
	if testutil.ToFloat64(m.Goroutines) <= 0 {
		t.Error("expected goroutine gauge to be set")
	}

	stats.err = errors.New("db closed")
	c.Collect(context.Background())
	if got := testutil.ToFloat64(m.JobsByStatus.WithLabelValues("pending")); got != 3 {
		t.Errorf("gauges should keep last value on error, got %v", got)
	}

	c.Start(context.Background())
	c.Stop()
	c.Stop()
}

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/v1/events/{eventID}/jobs/{jobID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events/ev1/jobs/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	pattern := "/api/v1/events/{eventID}/jobs/{jobID}"
	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", pattern, "404")); got != 2 {
		t.Errorf("requests = %v, want 2 under the route pattern", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 2 {
		t.Errorf("errors = %v, want 2", got)
	}
}

func TestServerIPFilter(t *testing.T) {
	m := New()
	m.JobsFinishedTotal.WithLabelValues("completed").Inc()

	tests := []struct {
		name    string
		allowed []string
		remote  string
		want    int
	}{
		{"no filter", nil, "203.0.113.9:5000", http.StatusOK},
		{"cidr match", []string{"10.0.0.0/8"}, "10.1.2.3:5000", http.StatusOK},
		{"single ip match", []string{"192.0.2.1"}, "192.0.2.1:5000", http.StatusOK},
		{"denied", []string{"10.0.0.0/8", "bogus"}, "203.0.113.9:5000", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, "", "", tt.allowed, testLogger())
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && !strings.Contains(rec.Body.String(), "eventcast_jobs_finished_total") {
				t.Error("expected metrics output")
			}
		})
	}

	s := NewServer(m, "", "", []string{"10.0.0.0/8"}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health should bypass the filter, got %d", rec.Code)
	}
}
