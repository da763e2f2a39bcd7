package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	// Repair jobs
	r.Route("/repair", func(r chi.Router) {
		r.Post("/", handlers.handleStartRepair)
		r.Get("/", handlers.handleActiveRepairs)
		r.Post("/abort_all", handlers.handleRepairAbortAll)
		r.Get("/{jobID}", handlers.handleRepairStatus)
		r.Get("/{jobID}/await", handlers.handleRepairAwait)
		r.Post("/{jobID}/abort", handlers.handleRepairAbort)
	})

	// Node operations
	r.Route("/ops", func(r chi.Router) {
		r.Get("/", handlers.handleCurrentOp)
		r.Post("/abort", handlers.handleOpsAbort)
		r.Post("/bootstrap", handlers.handleBootstrap)
		r.Post("/decommission", handlers.handleDecommission)
		r.Post("/rebuild", handlers.handleRebuild)
		r.Post("/removenode/{nodeID}", handlers.handleRemovenode)
		r.Post("/replace/{nodeID}", handlers.handleReplace)
	})

	// Cluster inspection
	r.Route("/cluster", func(r chi.Router) {
		r.Get("/members", handlers.handleClusterMembers)
		r.Get("/health", handlers.handleClusterHealth)
		r.Get("/ranges", handlers.handleClusterRanges)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
