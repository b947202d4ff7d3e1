package server

import "net/http"

// setupRoutes configures the job-intake HTTP API routes of spec.md §6.1.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/jobs", s.handleJobsCollection)
	mux.HandleFunc("/jobs/", s.handleJobRoutes)

	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.app.Config.Metrics.Enabled {
		mux.Handle("/metrics", s.app.Metrics.Handler())
	}

	// Graceful shutdown trigger, kept from the teacher's server; mounted in
	// every configuration (there is no dev-mode switch).
	mux.HandleFunc("/shutdown", s.ShutdownHandler)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
