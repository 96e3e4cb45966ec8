package handler

import (
	"net/http"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/service"
	"github.com/go-chi/chi/v5"
)

// FightHandler handles fight registration and tag views.
type FightHandler struct {
	engine *service.Engine
}

// NewFightHandler creates a new FightHandler.
func NewFightHandler(engine *service.Engine) *FightHandler {
	return &FightHandler{engine: engine}
}

// RegisterFightRequest is the request body for registering a fight.
type RegisterFightRequest struct {
	ID string `json:"id"`
}

// Register makes a fight known to the tag engine.
func (h *FightHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterFightRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	fight, err := h.engine.RegisterFight(r.Context(), req.ID)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, fight)
}

// Tags returns the fight's active tag tree.
func (h *FightHandler) Tags(w http.ResponseWriter, r *http.Request) {
	tree, err := h.engine.GetActiveTags(r.Context(), chi.URLParam(r, "fight_id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, tree)
}

// History returns every tag the fight has had.
func (h *FightHandler) History(w http.ResponseWriter, r *http.Request) {
	tags, err := h.engine.TagHistory(r.Context(), chi.URLParam(r, "fight_id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, tags)
}
