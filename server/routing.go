package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes registers every handler on the server's own mux
func (s *Server) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	mux.HandleFunc("POST /api/notes/{note}/run", s.corsMiddleware(s.HandleRun))       // Submit a run of a note
	mux.HandleFunc("POST /api/notes/{note}/abort", s.corsMiddleware(s.HandleAbort))   // Abort the note's active run
	mux.HandleFunc("GET /api/notes/{note}/batches", s.corsMiddleware(s.HandleBatches)) // Recent runs of a note
	mux.HandleFunc("GET /api/batches/{id}", s.corsMiddleware(s.HandleBatch))          // One run with its jobs
	mux.HandleFunc("OPTIONS /api/", s.corsMiddleware(func(http.ResponseWriter, *http.Request) {}))

	s.mux = mux
}

// corsMiddleware adds CORS headers for origins allowed by server.allowed_origins
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
