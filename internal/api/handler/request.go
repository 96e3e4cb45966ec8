package handler

import (
	"net/http"

	"github.com/bcnelson/fight-tag-manager/internal/api/middleware"
	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/service"
	"github.com/go-chi/chi/v5"
)

// RequestHandler handles a single change request: votes, cancellation and
// overrides.
type RequestHandler struct {
	engine *service.Engine
}

// NewRequestHandler creates a new RequestHandler.
func NewRequestHandler(engine *service.Engine) *RequestHandler {
	return &RequestHandler{engine: engine}
}

// Get gets a change request by id.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.GetChangeRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}

	SetChangeRequestETag(w, req)
	respondJSON(w, http.StatusOK, req)
}

// Vote casts the caller's ballot. The ballot is tied to the voter session
// header, whatever credentials are also sent.
func (h *RequestHandler) Vote(w http.ResponseWriter, r *http.Request) {
	session := r.Header.Get(middleware.VoterSessionHeader)
	if session == "" {
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, middleware.VoterSessionHeader+" header is required to vote")
		return
	}

	var req domain.CastVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	result, err := h.engine.CastVote(r.Context(), chi.URLParam(r, "id"), session, req.Direction)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Ballots lists the ballots on a request. Voter sessions are never exposed.
func (h *RequestHandler) Ballots(w http.ResponseWriter, r *http.Request) {
	ballots, err := h.engine.ListBallots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ballots)
}

// Tally recounts the ballots on a request.
func (h *RequestHandler) Tally(w http.ResponseWriter, r *http.Request) {
	tally, err := h.engine.Tally(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, tally)
}

// Cancel withdraws a pending request. If-Match is honoured.
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor.Role == "" {
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "authentication required")
		return
	}

	req, err := h.engine.CancelRequest(r.Context(), chi.URLParam(r, "id"), actor, ifMatchGuard(r)...)
	if err != nil {
		handleError(w, err)
		return
	}

	SetChangeRequestETag(w, req)
	respondJSON(w, http.StatusOK, req)
}

// Resolve forces the outcome of a pending request.
func (h *RequestHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var body domain.ResolveRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	actor := middleware.ActorFromContext(r.Context())
	req, err := h.engine.AdminOverrideResolve(r.Context(), chi.URLParam(r, "id"), actor, body.Outcome, ifMatchGuard(r)...)
	if err != nil {
		handleError(w, err)
		return
	}

	SetChangeRequestETag(w, req)
	respondJSON(w, http.StatusOK, req)
}
