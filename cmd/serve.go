package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/schedule"
	"github.com/sells-group/biotech-recon/internal/source"
	"github.com/sells-group/biotech-recon/internal/store"
)

var servePort int

// runStarter runs the pipeline under a known run id.
type runStarter interface {
	RunSourcesWithID(ctx context.Context, runID string, sources []source.Config) *model.RunReport
}

// api serves run reports and canonical records.
type api struct {
	ctx      context.Context
	store    store.Store
	schema   *model.Schema
	runner   runStarter
	sources  []source.Config
	gatherer prometheus.Gatherer

	wg      sync.WaitGroup
	running atomic.Bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func buildRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/runs/{id}", a.getRun)
	r.Post("/runs", a.startRun)
	r.Get("/entities/{id}", a.getEntity)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	report, err := a.store.GetRunReport(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		zap.L().Error("serve: get run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (a *api) getEntity(w http.ResponseWriter, r *http.Request) {
	view, err := loadEntity(r.Context(), a.store, a.schema, model.EntityID(chi.URLParam(r, "id")))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "entity not found")
	case err != nil:
		zap.L().Error("serve: get entity", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

// startRun accepts a run and executes it in the background. The report is
// available at /runs/{id} once the run finishes. Only one run is accepted
// at a time.
func (a *api) startRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sources []string `json:"sources"`
		Limit   int      `json:"limit"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	sources, err := schedule.Select(a.sources, req.Sources, req.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	if !a.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}

	runID := uuid.NewString()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.running.Store(false)
		report := a.runner.RunSourcesWithID(a.ctx, runID, sources)
		zap.L().Info("serve: run finished",
			zap.String("run_id", runID),
			zap.Bool("aborted", report.Aborted),
			zap.Int("writes", report.Writes),
		)
	}()

	w.Header().Set("Location", "/runs/"+runID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": runID,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run reports, canonical records and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		a := &api{
			ctx:      ctx,
			store:    env.Store,
			schema:   env.Schema,
			runner:   env.Pipeline,
			sources:  cfg.Sources,
			gatherer: env.Registry,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		a.wg.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
