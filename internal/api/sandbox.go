package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/eventcast/internal/ratelimit"
	"github.com/foxzi/eventcast/internal/sandbox"
)

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// ClearResponse is the response for DELETE /api/v1/sandbox/messages
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// RateLimitStatsResponse is the response for GET /api/v1/ratelimits/{level}/{key}
type RateLimitStatsResponse struct {
	Level       ratelimit.Level `json:"level"`
	Key         string          `json:"key"`
	HourlyCount int             `json:"hourly_count"`
	DailyCount  int             `json:"daily_count"`
	HourStart   *time.Time      `json:"hour_start,omitempty"`
	DayStart    *time.Time      `json:"day_start,omitempty"`
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sandbox.ListFilter{
		JobID:   q.Get("job_id"),
		Channel: q.Get("channel"),
		Limit:   100,
	}

	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		filter.Limit = min(l, 1000)
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		filter.Offset = min(o, 1000000)
	}

	messages, err := s.sandbox.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	s.sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: len(messages)})
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid older_than (use Go duration, e.g. 24h)")
			return
		}
		olderThan = d
	}

	count, err := s.sandbox.Clear(r.Context(), olderThan)
	if err != nil {
		s.logger.Error("failed to clear sandbox", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to clear messages")
		return
	}

	s.sendJSON(w, http.StatusOK, ClearResponse{Cleared: count})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sandbox.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read sandbox stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{level}/{key}
func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	level := ratelimit.Level(chi.URLParam(r, "level"))
	switch level {
	case ratelimit.LevelGlobal, ratelimit.LevelChannel, ratelimit.LevelEvent, ratelimit.LevelRecipient:
	default:
		s.sendError(w, http.StatusBadRequest, "unknown rate limit level")
		return
	}

	stats, err := s.limiter.GetStats(r.Context(), level, chi.URLParam(r, "key"))
	if err != nil {
		s.logger.Error("failed to read rate limit stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := RateLimitStatsResponse{
		Level:       stats.Level,
		Key:         stats.Key,
		HourlyCount: stats.HourlyCount,
		DailyCount:  stats.DailyCount,
	}
	if !stats.HourStart.IsZero() {
		resp.HourStart = &stats.HourStart
	}
	if !stats.DayStart.IsZero() {
		resp.DayStart = &stats.DayStart
	}
	s.sendJSON(w, http.StatusOK, resp)
}
