package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	v1 "github.com/tinoosan/podfetch/api/v1"
	"github.com/tinoosan/podfetch/internal/auth"
	"github.com/tinoosan/podfetch/internal/service"
)

// HealthChecker reports whether the engine answers RPC calls.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// New sets up the status API routes and required middleware.
func New(logger *slog.Logger, jobSvc service.Jobs, health HealthChecker, token string) *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if health == nil || !health.HealthCheck(r.Context()) {
			http.Error(w, "engine not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	jobHandler := v1.NewJobHandler(logger, jobSvc)

	r.Use(v1.RequestID)
	r.Use(jobHandler.Log)
	r.Use(auth.Middleware(token))

	api := r.PathPrefix("/v1").Subrouter()

	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/jobs", jobHandler.GetJobs)
	get.HandleFunc("/jobs/{id}", jobHandler.GetJob)

	patch := api.Methods("PATCH").Subrouter()
	patch.HandleFunc("/jobs/{id}", jobHandler.UpdateJob)
	patch.Use(v1.MiddlewarePatchDesired)

	return r
}
