package handler

import (
	"net/http"
	"net/url"

	"github.com/bcnelson/fight-tag-manager/internal/api/middleware"
	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/service"
	"github.com/bcnelson/fight-tag-manager/internal/validation"
	"github.com/go-chi/chi/v5"
)

// ProposalHandler handles tag change proposals on a fight.
type ProposalHandler struct {
	engine *service.Engine
}

// NewProposalHandler creates a new ProposalHandler.
func NewProposalHandler(engine *service.Engine) *ProposalHandler {
	return &ProposalHandler{engine: engine}
}

// Create proposes a tag change. Custom tags are created at once (201 with
// the tag); voted types open a change request (202).
func (h *ProposalHandler) Create(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fight_id")

	var req domain.ProposeTagRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := validation.ValidateProposal(&req); err != nil {
		handleError(w, err)
		return
	}

	actor := middleware.ActorFromContext(r.Context())
	if actor.Role == "" {
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "an API key or "+middleware.VoterSessionHeader+" header is required")
		return
	}

	resp, err := h.engine.ProposeTagChange(r.Context(), service.ProposeInput{
		FightID:     fightID,
		TagType:     req.TagType,
		Value:       req.Value,
		ParentTagID: req.ParentTagID,
		Threshold:   req.Threshold,
		Actor:       actor,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	if resp.ChangeRequest != nil {
		SetChangeRequestETag(w, resp.ChangeRequest)
		respondJSON(w, http.StatusAccepted, resp)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// List lists every change request on the fight.
func (h *ProposalHandler) List(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.engine.ListChangeRequests(r.Context(), chi.URLParam(r, "fight_id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, reqs)
}

// Pending returns the pending request for a tag type, or 204 when the slot
// is free.
func (h *ProposalHandler) Pending(w http.ResponseWriter, r *http.Request) {
	tagType, _ := url.PathUnescape(chi.URLParam(r, "tag_type"))

	req, err := h.engine.GetPendingRequest(r.Context(), chi.URLParam(r, "fight_id"), tagType)
	if err != nil {
		handleError(w, err)
		return
	}
	if req == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	SetChangeRequestETag(w, req)
	respondJSON(w, http.StatusOK, req)
}
