package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/face-memory/internal/web/handlers"
	"github.com/kozaktomas/face-memory/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	recognizeHandler := handlers.NewRecognizeHandler(s.engine, s.config.MaxUploadBytes, s.log)
	identitiesHandler := handlers.NewIdentitiesHandler(s.store, s.engine, s.config.MaxUploadBytes, s.log)
	statsHandler := handlers.NewStatsHandler(s.store, s.dupThresh, s.log)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(s.config.APIToken))

			r.Post("/recognize", recognizeHandler.Recognize)

			// Identities
			r.Get("/identities", identitiesHandler.List)
			r.Get("/identities/counts", identitiesHandler.Counts)
			r.Post("/identities/register", identitiesHandler.Register)
			r.Post("/identities/import", identitiesHandler.Import)
			r.Post("/identities/rename", identitiesHandler.Rename)
			r.Post("/identities/merge", identitiesHandler.Merge)
			r.Get("/identities/{id}", identitiesHandler.Get)
			r.Delete("/identities/{id}", identitiesHandler.Delete)
			r.Get("/identities/{id}/thumbnails/{file}", identitiesHandler.Thumbnail)

			// Memory
			r.Get("/stats", statsHandler.Get)
			r.Post("/save", statsHandler.Save)
			r.Get("/duplicates", statsHandler.Duplicates)
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
	})
}
