package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/eventcast/internal/abtest"
	"github.com/foxzi/eventcast/internal/campaign"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/schedule"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// EnqueueRequest is the request body for POST /events/{eventID}/jobs
type EnqueueRequest struct {
	TemplateID   string          `json:"template_id"`
	Channel      models.Channel  `json:"channel"`
	Segmentation json.RawMessage `json:"segmentation"`
	BatchID      string          `json:"batch_id,omitempty"`
}

// PreviewRequest is the request body for POST /events/{eventID}/segments/preview
type PreviewRequest struct {
	Channel      models.Channel  `json:"channel"`
	Segmentation json.RawMessage `json:"segmentation"`
}

// PreviewResponse is the response for segment previews
type PreviewResponse struct {
	Count int `json:"count"`
}

// JobListResponse is the response for GET /events/{eventID}/jobs
type JobListResponse struct {
	Jobs  []models.Job `json:"jobs"`
	Total int          `json:"total"`
}

// DeliveriesResponse is the response for GET .../jobs/{jobID}/deliveries
type DeliveriesResponse struct {
	Deliveries []models.DeliveryLog `json:"deliveries"`
	Total      int                  `json:"total"`
	Stats      models.DeliveryStats `json:"stats"`
}

// RunResponse is the response for POST /worker/run
type RunResponse struct {
	Processed bool             `json:"processed"`
	Busy      bool             `json:"busy,omitempty"`
	JobID     string           `json:"job_id,omitempty"`
	Status    models.JobStatus `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleEnqueue handles POST /api/v1/events/{eventID}/jobs
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	seg, err := models.ParseSegmentation(req.Segmentation)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	job, err := s.campaigns.Enqueue(r.Context(), campaign.EnqueueRequest{
		EventID:      chi.URLParam(r, "eventID"),
		TemplateID:   req.TemplateID,
		Channel:      req.Channel,
		Segmentation: seg,
		BatchID:      req.BatchID,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/events/{eventID}/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)
	jobs, total, err := s.campaigns.ListJobs(r.Context(), models.JobListFilter{
		EventID: chi.URLParam(r, "eventID"),
		Status:  models.JobStatus(q.Get("status")),
		BatchID: q.Get("batch_id"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Total: total})
}

// handleGetJob handles GET /api/v1/events/{eventID}/jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.campaigns.GetJob(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

// handleDeliveries handles GET /api/v1/events/{eventID}/jobs/{jobID}/deliveries
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	logs, total, stats, err := s.campaigns.Deliveries(r.Context(), chi.URLParam(r, "eventID"), models.DeliveryFilter{
		JobID:  chi.URLParam(r, "jobID"),
		Status: models.DeliveryStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, DeliveriesResponse{Deliveries: logs, Total: total, Stats: stats})
}

// handleStopJob handles POST /api/v1/events/{eventID}/jobs/{jobID}/stop
func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.campaigns.StopJob(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

// handleAbortJob handles POST /api/v1/events/{eventID}/jobs/{jobID}/abort
func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.campaigns.AbortJob(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

// handlePreviewSegment handles POST /api/v1/events/{eventID}/segments/preview
func (s *Server) handlePreviewSegment(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	seg, err := models.ParseSegmentation(req.Segmentation)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	n, err := s.campaigns.PreviewSegment(r.Context(), chi.URLParam(r, "eventID"), req.Channel, seg)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, PreviewResponse{Count: n})
}

// handleRunWorker handles POST /api/v1/worker/run. Finding no pending job
// is reported with processed=false, never as an error status. The job runs
// to the end even when the client disconnects.
func (s *Server) handleRunWorker(w http.ResponseWriter, r *http.Request) {
	res := s.campaigns.RunNextPendingJob(context.WithoutCancel(r.Context()))
	resp := RunResponse{
		Processed: res.Processed,
		Busy:      res.Busy,
		JobID:     res.JobID,
		Status:    res.Status,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleRunTriggers handles POST /api/v1/triggers/run
func (s *Server) handleRunTriggers(w http.ResponseWriter, r *http.Request) {
	report, err := s.campaigns.RunDueTriggers(r.Context(), s.now())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// decode reads a JSON body, rejecting unknown fields
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// sendServiceError maps service errors onto HTTP statuses
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrCrossTenant):
		s.sendError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, campaign.ErrWrongStatus):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrNoRecipients):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, campaign.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidSegmentation),
		errors.Is(err, abtest.ErrTooFewVariants),
		errors.Is(err, abtest.ErrInvalidWeights),
		errors.Is(err, schedule.ErrInvalidTrigger):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
