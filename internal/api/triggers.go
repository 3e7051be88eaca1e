package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/eventcast/internal/models"
)

// ToggleRequest is the request body for toggle endpoints
type ToggleRequest struct {
	Active bool `json:"active"`
}

// ABTestResponse is the response for POST /abtests
type ABTestResponse struct {
	ID string `json:"id"`
}

// handleCreateAutomation handles POST /api/v1/events/{eventID}/automations
func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a models.Automation
	if !s.decode(w, r, &a) {
		return
	}
	a.EventID = chi.URLParam(r, "eventID")

	if err := s.campaigns.SaveAutomation(r.Context(), &a); err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, a)
}

// handleToggleAutomation handles POST /api/v1/events/{eventID}/automations/{id}/toggle
func (s *Server) handleToggleAutomation(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.campaigns.ToggleAutomation(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "id"), req.Active)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleCreateFollowUp handles POST /api/v1/events/{eventID}/followups
func (s *Server) handleCreateFollowUp(w http.ResponseWriter, r *http.Request) {
	var f models.FollowUp
	if !s.decode(w, r, &f) {
		return
	}
	f.EventID = chi.URLParam(r, "eventID")

	if err := s.campaigns.SaveFollowUp(r.Context(), &f); err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, f)
}

// handleToggleFollowUp handles POST /api/v1/events/{eventID}/followups/{id}/toggle
func (s *Server) handleToggleFollowUp(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.campaigns.ToggleFollowUp(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "id"), req.Active)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, f)
}

// handleSaveABTest handles POST /api/v1/events/{eventID}/abtests
func (s *Server) handleSaveABTest(w http.ResponseWriter, r *http.Request) {
	var test models.ABTest
	if !s.decode(w, r, &test) {
		return
	}
	test.EventID = chi.URLParam(r, "eventID")

	id, err := s.campaigns.SaveABTest(r.Context(), &test)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, ABTestResponse{ID: id})
}

// handleGetABTest handles GET /api/v1/events/{eventID}/abtests/{id}
func (s *Server) handleGetABTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.campaigns.GetABTest(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, test)
}

// handleStartABTest handles POST /api/v1/events/{eventID}/abtests/{id}/start
func (s *Server) handleStartABTest(w http.ResponseWriter, r *http.Request) {
	job, err := s.campaigns.StartABTest(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, job)
}

// handleSignal handles POST /api/v1/events/{eventID}/signals/{name}
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	report, err := s.campaigns.TriggerEvent(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "name"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}
