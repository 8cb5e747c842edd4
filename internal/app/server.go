package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyor-ci/conveyor/internal/scheduler"
)

// startAPIServer exposes the live run over HTTP: status, manual-gate play
// triggers, health, and metrics. It serves in the background for the
// lifetime of the process.
func (a *App) startAPIServer(addr, runID string, sched *scheduler.Scheduler) {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		a.logger.Debug("Health check endpoint hit.", "remote_addr", req.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	r.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))

	r.Get("/runs/{runID}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "runID") != runID {
			http.Error(w, "unknown run", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sched.Snapshot()); err != nil {
			a.logger.Error("Failed to encode run snapshot.", "error", err)
		}
	})

	r.Post("/runs/{runID}/jobs/{job}/play", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "runID") != runID {
			http.Error(w, "unknown run", http.StatusNotFound)
			return
		}
		job := chi.URLParam(req, "job")
		err := sched.Play(job)
		switch {
		case err == nil:
			a.logger.Info("Manual trigger accepted.", "job", job)
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, scheduler.ErrRunFinished):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		}
	})

	go func() {
		a.logger.Info("Run API server starting.", "address", addr)
		if err := http.ListenAndServe(addr, r); err != nil {
			a.logger.Error("Run API server failed.", "error", err)
		}
	}()
}
