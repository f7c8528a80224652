package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/convertx/cmd/convertx-api/handlers"
	"github.com/spherical-ai/convertx/cmd/convertx-api/middleware"
	"github.com/spherical-ai/convertx/internal/bootstrap"
)

// maxFilesPerRequest bounds the body of a single upload request.
const maxFilesPerRequest = 32

// NewRouter creates the API router with all routes configured.
func NewRouter(app *bootstrap.App) http.Handler {
	cfg := app.Config
	logger := app.Logger

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	health := handlers.NewHealthHandler(app.Store)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	engineHandler := handlers.NewEngineHandler(logger, app.Registry)
	jobHandler := handlers.NewJobHandler(logger, app.Service, cfg.Conversion.MaxUploadSize*maxFilesPerRequest, cfg.Events.Heartbeat)
	antivirusHandler := handlers.NewAntivirusHandler(logger, app.Antivirus)

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.User)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))

			r.Route("/engines", func(r chi.Router) {
				r.Get("/", engineHandler.List)
				r.Get("/{engineId}", engineHandler.Get)
				r.Get("/{engineId}/conversions", engineHandler.Conversions)
			})
			r.Get("/formats/{format}/targets", engineHandler.Targets)
			r.Get("/formats/{format}/suggest", jobHandler.Suggest)

			r.Get("/antivirus", antivirusHandler.Status)
			r.Post("/antivirus", antivirusHandler.Toggle)

			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{jobId}", jobHandler.Get)
			r.Delete("/jobs/{jobId}", jobHandler.Delete)
			r.Get("/jobs/{jobId}/progress", jobHandler.Progress)
			r.Delete("/jobs/{jobId}/files/{fileName}", jobHandler.DeleteFile)
		})

		// uploads, downloads and event streams run as long as the client needs
		r.Post("/conversions", jobHandler.Create)
		r.Get("/jobs/{jobId}/events", jobHandler.Events)
		r.Get("/jobs/{jobId}/files/{fileName}", jobHandler.Download)
		r.Get("/jobs/{jobId}/archive", jobHandler.Archive)
	})

	return r
}
