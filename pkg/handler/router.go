package handler

import (
	"net/http"
)

func NewRouter(dbctx *DBContext) *http.ServeMux {
	mux := http.NewServeMux()

	// Error route
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	// Main routes
	mux.HandleFunc("GET /{$}", dbctx.RunListPage)
	mux.HandleFunc("GET /runs/{run_id}", dbctx.RunPage)

	// API routes
	mux.HandleFunc("GET /api/v1/health", dbctx.HealthCheck)
	mux.HandleFunc("GET /api/v1/runs", dbctx.ListRunsAPI)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", dbctx.GetRunAPI)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/records", dbctx.RecordsAPI)

	return mux
}
