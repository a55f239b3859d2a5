// Package server exposes the run orchestrator over HTTP: submission,
// status, resume, reports, and a metrics snapshot.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/budget"
	"github.com/parcelgrid/enrich-cli/internal/metrics"
	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/report"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// Nudger wakes the dispatcher after a submission. Satisfied by
// dispatch.Dispatcher.
type Nudger interface {
	Nudge()
}

// Server is the HTTP API over the run registry.
type Server struct {
	registry *registry.Registry
	store    store.Store
	guard    *budget.Guard
	metrics  *metrics.Aggregator
	nudger   Nudger
	log      *zap.Logger
}

// New creates the server. nudger may be nil when no dispatcher runs in
// this process.
func New(reg *registry.Registry, st store.Store, guard *budget.Guard, agg *metrics.Aggregator, nudger Nudger) *Server {
	return &Server{
		registry: reg,
		store:    st,
		guard:    guard,
		metrics:  agg,
		nudger:   nudger,
		log:      zap.L().With(zap.String("component", "server")),
	}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.handleSubmit)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleStatus)
		r.Post("/runs/{runID}/resume", s.handleResume)
		r.Get("/runs/{runID}/report", s.handleReport)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// logRequests logs one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type submitIdentity struct {
	ExternalID string `json:"external_id"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	Zip        string `json:"zip"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
}

type submitRequest struct {
	Identities     []submitIdentity `json:"identities"`
	Label          string           `json:"label"`
	BudgetCapCents int64            `json:"budget_cap_cents"`
	MaxAttempts    int              `json:"max_attempts"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Identities) == 0 {
		writeError(w, http.StatusBadRequest, "identities is required")
		return
	}

	leads := make([]registry.Lead, 0, len(req.Identities))
	for _, id := range req.Identities {
		leads = append(leads, registry.Lead{
			ExternalID: id.ExternalID,
			Identity: model.Identity{
				Street:    id.Street,
				City:      id.City,
				State:     id.State,
				Zip:       id.Zip,
				FirstName: id.FirstName,
				LastName:  id.LastName,
			},
		})
	}

	run, err := s.registry.Submit(r.Context(), registry.SubmitRequest{
		Label:          req.Label,
		BudgetCapCents: req.BudgetCapCents,
		MaxAttempts:    req.MaxAttempts,
		Leads:          leads,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.nudger != nil {
		s.nudger.Nudge()
	}

	writeJSON(w, http.StatusCreated, map[string]string{"run_id": run.ID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Label:      r.URL.Query().Get("label"),
		Unfinished: r.URL.Query().Get("unfinished") == "true",
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.registry.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      status.Run.ID,
		"label":       status.Run.Label,
		"soft_paused": status.Run.SoftPaused,
		"totals": map[string]int{
			"queued":    status.Totals.Queued,
			"in_flight": status.Totals.InFlight,
			"done":      status.Totals.Done,
			"failed":    status.Totals.Failed,
		},
		"spent_cents": status.Run.BudgetSpentCents,
		"cap_cents":   status.Run.BudgetCapCents,
		"finished_at": status.Run.FinishedAt,
	})
}

type resumeRequest struct {
	CapCents int64 `json:"cap_cents"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req resumeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.guard.Resume(r.Context(), runID, req.CapCents); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.nudger != nil {
		s.nudger.Nudge()
	}

	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "soft_paused": false})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := report.Build(r.Context(), s.store, chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
