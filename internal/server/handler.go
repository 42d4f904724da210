package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/apperror"
	"github.com/ahmethakanbesel/expiry-archiver/internal/run"
)

// Checker reports whether a dependency is usable.
type Checker interface {
	Check(ctx context.Context) error
}

type handler struct {
	runSvc  *run.Service
	db      Checker
	nextRun func() (time.Time, bool)
}

type healthResponse struct {
	Status   string     `json:"status"`
	Database string     `json:"database"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}
	if h.nextRun != nil {
		if next, ok := h.nextRun(); ok {
			resp.NextRun = &next
		}
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	req := run.ListRunsRequest{Status: run.Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}

	runs, err := h.runSvc.List(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	req := run.GetRunRequest{ID: r.PathValue("id")}

	rn, err := h.runSvc.Get(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

type startRunResponse struct {
	ID string `json:"id"`
}

func (h *handler) startRun(w http.ResponseWriter, r *http.Request) {
	req := run.StartRunRequest{
		Trigger: run.TriggerAPI,
		Expiry:  r.URL.Query().Get("expiry"),
	}

	id, err := h.runSvc.Start(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/runs/"+id)
	writeJSON(w, http.StatusAccepted, startRunResponse{ID: id})
}

func writeErr(w http.ResponseWriter, err error) {
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
