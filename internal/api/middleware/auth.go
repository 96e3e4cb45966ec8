package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/bcnelson/fight-tag-manager/internal/authz"
	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/bcnelson/fight-tag-manager/internal/validation"
	"go.uber.org/zap"
)

type contextKey string

const (
	ActorContextKey contextKey = "actor"

	// VoterSessionHeader carries the anonymous session a ballot is cast under.
	VoterSessionHeader = "X-Voter-Session"
)

// Auth resolves the caller into an actor. A bearer API key must be valid;
// without one the caller is a voter when a voter session is sent, and
// anonymous otherwise. Handlers decide what each actor may do.
func Auth(store storage.Storage, bootstrapKey string, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				actor := domain.Actor{}
				if session := r.Header.Get(VoterSessionHeader); session != "" {
					if err := validation.ValidateVoterSession(session); err != nil {
						respond(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid voter session")
						return
					}
					actor = domain.AnonymousActor(session)
				}
				ctx = context.WithValue(ctx, ActorContextKey, actor)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				respond(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid authorization header format")
				return
			}

			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			if apiKey == "" {
				respond(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "empty API key")
				return
			}

			// Check if we have any API keys in the database
			keyCount, err := store.CountAPIKeys(ctx)
			if err != nil {
				log.Error("counting api keys", zap.Error(err))
				respond(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
				return
			}

			// If no keys exist and bootstrap key is set, allow bootstrap key
			if keyCount == 0 && bootstrapKey != "" {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(bootstrapKey)) == 1 {
					key := &domain.APIKey{
						ID:   "bootstrap",
						Name: "Bootstrap Key",
						Role: domain.RoleAdmin,
					}
					ctx = context.WithValue(ctx, ActorContextKey, key.Actor())
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			// Hash the provided key and look it up
			storedKey, err := store.GetAPIKeyByHash(ctx, HashAPIKey(apiKey))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					respond(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid API key")
					return
				}
				log.Error("looking up api key", zap.Error(err))
				respond(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
				return
			}

			// Update last used timestamp (fire and forget)
			go func(id string) {
				if err := store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
					log.Warn("updating api key last use", zap.String("key_id", id), zap.Error(err))
				}
			}(storedKey.ID)

			ctx = context.WithValue(ctx, ActorContextKey, storedKey.Actor())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require rejects callers whose role does not permit the action.
func Require(action authz.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromContext(r.Context())
			if actor.Role == "" {
				respond(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "authentication required")
				return
			}
			if !authz.Can(actor.Role, action) {
				respond(w, http.StatusForbidden, domain.ErrCodeForbidden, "not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashAPIKey creates a SHA-256 hash of the API key.
// We use SHA-256 for fast lookups since API keys are already high-entropy random strings.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ActorFromContext returns the actor resolved for the request. Callers
// without credentials get an actor with no role.
func ActorFromContext(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(ActorContextKey).(domain.Actor)
	return actor
}
