package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/chat"
	"github.com/JakeFAU/carscan/internal/queue/memory"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

type submitBody struct {
	RequesterID string `json:"requester_id"`
	Number      string `json:"number"`
	Report      string `json:"report"`
}

type submitResponse struct {
	RequestID   string `json:"request_id"`
	RequesterID string `json:"requester_id"`
	Identity    string `json:"identity"`
	Report      string `json:"report"`
	Queued      int    `json:"queued"`
}

// submitRequest handles POST /v1/requests: 202 once queued, 400 for invalid
// input, 409 while the requester has a check running, 503 when admission is
// halted or the queue is full.
func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.RequesterID == "" {
		writeError(w, http.StatusBadRequest, "requester_id required")
		return
	}
	report := vehicle.ReportType(strings.ToLower(strings.TrimSpace(req.Report)))
	switch report {
	case "":
		report = vehicle.ReportFull
	case vehicle.ReportFull, vehicle.ReportIdentity:
	default:
		writeError(w, http.StatusBadRequest, "report must be identity or full")
		return
	}

	item, err := s.deps.Scheduler.Submit(r.Context(), req.RequesterID, req.Number, report)
	switch {
	case err == nil:
	case errors.Is(err, vehicle.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid number: expected a 17 character VIN or an 8-9 character plate")
		return
	case errors.Is(err, vehicle.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, "a check is already in progress for this requester")
		return
	case errors.Is(err, vehicle.ErrHalted), errors.Is(err, memory.ErrFull):
		writeError(w, http.StatusServiceUnavailable, "checks are temporarily unavailable")
		return
	default:
		s.logger.Error("submit failed", zap.String("requester_id", req.RequesterID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID:   item.ID,
		RequesterID: item.RequesterID,
		Identity:    item.Identity.String(),
		Report:      string(item.Report),
		Queued:      s.deps.Scheduler.Pending(),
	})
}

type chatRequest struct {
	Text string `json:"text"`
}

// postChatMessage handles POST /v1/chat/{requester_id}/messages and returns
// the bot's immediate replies.
func (s *Server) postChatMessage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bot == nil {
		writeError(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	replies := s.deps.Bot.Handle(r.Context(), chi.URLParam(r, "requester_id"), req.Text)
	if replies == nil {
		replies = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

// drainChatMessages handles GET /v1/chat/{requester_id}/messages and returns
// the notifications queued since the last call.
func (s *Server) drainChatMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		writeError(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}
	msgs := s.deps.Outbox.Drain(chi.URLParam(r, "requester_id"))
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
