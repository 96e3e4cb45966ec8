package handler

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/validation"
	"github.com/google/uuid"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondStandardError(w, status, code, message, "", nil)
}

// respondStandardError writes a StandardErrorResponse.
func respondStandardError(w http.ResponseWriter, status int, code, message, field string, details map[string]any) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{
			Code:    code,
			Message: message,
			Field:   field,
			Details: details,
		},
	})
}

// handleError converts domain errors to HTTP errors. Engine rejections keep
// their message; anything else is reported as an internal error.
func handleError(w http.ResponseWriter, err error) {
	var verrs validation.ValidationErrors
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verrs):
		respondValidationErrors(w, verrs)
	case errors.As(err, &verr):
		respondValidationError(w, verr.Field, verr.Value, verr.Message)
	case errors.Is(err, domain.ErrFightNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "fight not found")
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		respondError(w, http.StatusConflict, domain.ErrCodeResourceAlreadyExists, "already exists")
	case errors.Is(err, domain.ErrInvalidProposedValue):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidProposedValue, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		respondError(w, http.StatusForbidden, domain.ErrCodeForbidden, err.Error())
	case errors.Is(err, domain.ErrDuplicatePendingRequest):
		respondError(w, http.StatusConflict, domain.ErrCodeDuplicatePending, err.Error())
	case errors.Is(err, domain.ErrDuplicateVote):
		respondError(w, http.StatusConflict, domain.ErrCodeDuplicateVote, err.Error())
	case errors.Is(err, domain.ErrRequestAlreadyResolved):
		respondError(w, http.StatusConflict, domain.ErrCodeAlreadyResolved, err.Error())
	case errors.Is(err, domain.ErrPreconditionFailed):
		respondError(w, http.StatusPreconditionFailed, domain.ErrCodePreconditionFailed, "resource has been modified")
	case errors.Is(err, domain.ErrOrphanTag):
		respondError(w, http.StatusUnprocessableEntity, domain.ErrCodeOrphanTag, err.Error())
	case errors.Is(err, domain.ErrUnknownTagType):
		respondError(w, http.StatusUnprocessableEntity, domain.ErrCodeUnknownTagType, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}

// generateID generates a new UUID.
func generateID() string {
	return uuid.New().String()
}

// generateAPIKey generates a new random API key.
func generateAPIKey() (key string, hash string, prefix string, err error) {
	// Generate 32 random bytes for the key
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", "", err
	}

	key = "ftm_" + hex.EncodeToString(bytes)
	hash = hashKey(key)
	prefix = key[:12] // "ftm_" + first 8 chars of hex

	return key, hash, prefix, nil
}

// hashKey creates a SHA-256 hash of the API key.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// respondValidationError writes a JSON validation error response.
func respondValidationError(w http.ResponseWriter, field, value, message string) {
	respondStandardError(w, http.StatusBadRequest, domain.ErrCodeValidationError, message, field, map[string]any{
		"value": value,
	})
}

// respondValidationErrors writes a JSON response for multiple validation errors.
func respondValidationErrors(w http.ResponseWriter, errs validation.ValidationErrors) {
	respondStandardError(w, http.StatusBadRequest, domain.ErrCodeValidationError, errs.Error(), "", map[string]any{
		"errors": errs,
	})
}
