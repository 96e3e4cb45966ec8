package api

import (
	"net/http"

	"github.com/bcnelson/fight-tag-manager/internal/api/handler"
	"github.com/bcnelson/fight-tag-manager/internal/api/middleware"
	"github.com/bcnelson/fight-tag-manager/internal/authz"
	"github.com/bcnelson/fight-tag-manager/internal/service"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(
	store storage.Storage,
	engine *service.Engine,
	bootstrapKey string,
	log *zap.Logger,
) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Logging(log.Named("http")))
	r.Use(chimw.Recoverer)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(store, bootstrapKey, log.Named("auth")))

		// API Keys
		keyHandler := handler.NewAPIKeyHandler(store)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Require(authz.ActionManageKeys))
			r.Post("/keys", keyHandler.Create)
			r.Get("/keys", keyHandler.List)
			r.Delete("/keys/{id}", keyHandler.Delete)
		})

		tagTypeHandler := handler.NewTagTypeHandler(engine)
		r.Get("/tag-types", tagTypeHandler.List)

		// Fights
		fightHandler := handler.NewFightHandler(engine)
		proposalHandler := handler.NewProposalHandler(engine)
		r.With(middleware.Require(authz.ActionRegisterFight)).Post("/fights", fightHandler.Register)
		r.Route("/fights/{fight_id}", func(r chi.Router) {
			r.Get("/tags", fightHandler.Tags)
			r.Get("/tags/history", fightHandler.History)

			r.Post("/proposals", proposalHandler.Create)
			r.Get("/proposals", proposalHandler.List)
			r.Get("/proposals/pending/{tag_type}", proposalHandler.Pending)
		})

		// Change requests
		requestHandler := handler.NewRequestHandler(engine)
		r.Route("/requests/{id}", func(r chi.Router) {
			r.Get("/", requestHandler.Get)
			r.Post("/votes", requestHandler.Vote)
			r.Get("/ballots", requestHandler.Ballots)
			r.Get("/tally", requestHandler.Tally)
			r.Post("/cancel", requestHandler.Cancel)
			r.With(middleware.Require(authz.ActionOverride)).Post("/resolve", requestHandler.Resolve)
		})
	})

	return r
}
