// Package main provides the API router setup.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/docuvision/docuvision/cmd/api/handlers"
	apimiddleware "github.com/docuvision/docuvision/cmd/api/middleware"
	"github.com/docuvision/docuvision/internal/app"
	"github.com/docuvision/docuvision/internal/controller"
)

// NewRouter creates the main API router with all routes configured
// (SPEC_FULL.md §6's HTTP API table).
func NewRouter(svc *app.Services) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(svc.Config.Server.ReadTimeout))

	r.Get("/health", handlers.Health)

	ctrl := controller.New(svc.DB, svc.Blob, svc.Jobs, svc.Schemas, svc.Workbook, svc.Progress, svc.Logger, svc.Config)
	documentsHandler := handlers.NewDocumentsHandler(svc.Logger, ctrl)
	schemasHandler := handlers.NewSchemasHandler(svc.Logger, ctrl)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/upload", documentsHandler.Upload)
			r.Post("/process/{id}", documentsHandler.Process)
			r.Post("/batch/process", documentsHandler.BatchProcess)
			r.Get("/{id}/status", documentsHandler.Status)
			r.Get("/{id}/stream", documentsHandler.Stream)
			r.Get("/{id}/download/excel", documentsHandler.DownloadSingle)
			r.Get("/batch/download/excel", documentsHandler.DownloadBatch)
			r.Get("/template/download/excel", documentsHandler.DownloadTemplate)
			r.Delete("/{id}", documentsHandler.Delete)
			r.Get("/", documentsHandler.List)
		})

		r.Route("/schemas", func(r chi.Router) {
			r.Get("/", schemasHandler.List)
			r.Get("/{name}", schemasHandler.Get)
			r.Post("/detect", schemasHandler.Detect)
		})
	})

	return r
}
