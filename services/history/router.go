package history

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slipway/services/engine/archive"
)

const reportURLExpiry = 15 * time.Minute

// ReportLinker mints time-limited URLs for archived report objects. It is the
// subset of the S3 client the history API needs.
type ReportLinker interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// API serves the read-only run history endpoints.
type API struct {
	store *Store
	// reports and bucket are optional; when set, finished runs carry a
	// presigned link to their archived report.
	reports ReportLinker
	bucket  string
}

// NewAPI validates dependencies and returns the API layer. reports may be nil
// when no report archive is configured.
func NewAPI(store *Store, reports ReportLinker, bucket string) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &API{store: store, reports: reports, bucket: bucket}, nil
}

// Routes constructs the chi router containing all history endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{id}", a.handleGetRun)
	})

	return r
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ready(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := a.store.ListRuns(r.Context(), r.URL.Query().Get("app"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid run id"))
		return
	}

	run, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	run.ReportURL = a.reportURL(r.Context(), run)
	respondJSON(w, http.StatusOK, map[string]any{"run": run})
}

// reportURL presigns the archived report for a finished run. Unfinished runs
// have no archive yet; presign failures degrade to an absent link.
func (a *API) reportURL(ctx context.Context, run Run) string {
	if a.reports == nil || a.bucket == "" || run.FinishedAt == nil {
		return ""
	}
	url, err := a.reports.PresignGet(ctx, a.bucket, archive.KeyFor(run.App, run.Number, run.ID), reportURLExpiry)
	if err != nil {
		return ""
	}
	return url
}
