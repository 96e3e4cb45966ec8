package handler

import (
	"net/http"

	"github.com/bcnelson/fight-tag-manager/internal/service"
)

// TagTypeHandler serves the tag-type table.
type TagTypeHandler struct {
	engine *service.Engine
}

// NewTagTypeHandler creates a new TagTypeHandler.
func NewTagTypeHandler(engine *service.Engine) *TagTypeHandler {
	return &TagTypeHandler{engine: engine}
}

// List lists tag types, parents before children.
func (h *TagTypeHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.TagTypes())
}
