package v1

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/reqid"
	"github.com/tinoosan/podfetch/internal/scheduler"
	"github.com/tinoosan/podfetch/internal/service"
)

// JobHandler serves the /v1/jobs endpoints.
type JobHandler struct {
	l   *slog.Logger
	svc service.Jobs
}

type patchBody struct {
	DesiredStatus string `json:"desiredStatus"`
}

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

type ctxKeyPatch struct{}

func NewJobHandler(l *slog.Logger, svc service.Jobs) *JobHandler {
	return &JobHandler{l: l, svc: svc}
}

func (h *JobHandler) GetJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.List(r.Context())
	if err != nil {
		markErr(w, err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = data.Jobs{}
	}
	if err := writeJSON(w, http.StatusOK, jobs); err != nil {
		markErr(w, err)
	}
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, j); err != nil {
		markErr(w, err)
	}
}

func (h *JobHandler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	body, ok := r.Context().Value(ctxKeyPatch{}).(patchBody)
	if !ok || body.DesiredStatus == "" {
		markErr(w, ErrDesiredStatus)
		http.Error(w, ErrDesiredStatus.Error(), http.StatusInternalServerError)
		return
	}

	updated, err := h.svc.UpdateDesiredStatus(r.Context(), id, data.JobStatus(body.DesiredStatus))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	reqid.Logger(r.Context(), h.l).Debug("job updated", "job_id", id, "status", updated.Status)
	if err := writeJSON(w, http.StatusOK, updated); err != nil {
		markErr(w, err)
	}
}

func (h *JobHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	markErr(w, err)
	switch {
	case errors.Is(err, data.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, data.ErrBadStatus):
		http.Error(w, "Invalid desiredStatus (allowed: Active|Paused)", http.StatusBadRequest)
	case errors.Is(err, data.ErrBadTransition), errors.Is(err, scheduler.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "failed to update", http.StatusInternalServerError)
	}
}
