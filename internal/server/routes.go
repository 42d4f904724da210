package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmethakanbesel/expiry-archiver/internal/run"
)

// Deps are the collaborators the HTTP API reads from.
type Deps struct {
	Runs    *run.Service
	DB      Checker
	NextRun func() (time.Time, bool)
}

// NewHandler creates the full HTTP handler with routes and middleware.
func NewHandler(d Deps) http.Handler {
	h := &handler{
		runSvc:  d.Runs,
		db:      d.DB,
		nextRun: d.NextRun,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/v1/runs", h.listRuns)
	mux.HandleFunc("POST /api/v1/runs", h.startRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.getRun)
	mux.Handle("GET /metrics", promhttp.Handler())

	// recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
