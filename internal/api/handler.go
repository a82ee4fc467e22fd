// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkg-harvest/internal/database"
	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/model"
)

// SyncService is the run trigger interface. *syncer.Syncer implements it.
type SyncService interface {
	StartSync(ctx context.Context, repoName string, syncType model.SyncType) (int64, error)
	CancelSync(runID int64) error
	GetStatus(ctx context.Context, runID int64) (model.SyncLog, error)
}

// Catalog is the read side of the store.
type Catalog interface {
	ListRepositories(ctx context.Context) ([]model.Repository, error)
	SearchPackages(ctx context.Context, arg database.SearchPackagesParams) ([]model.Package, error)
	GetStats(ctx context.Context, repoName string, day time.Time) (model.RepositoryStats, error)
}

// BreakerReporter exposes the upstream circuit state for health checks.
type BreakerReporter interface {
	Breaker() string
}

// Handler is the container for API dependencies.
type Handler struct {
	syncs   SyncService
	catalog Catalog
	breaker BreakerReporter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter creates and configures a new chi router with all API routes.
// breaker may be nil.
func NewRouter(syncs SyncService, catalog Catalog, breaker BreakerReporter, logger *slog.Logger) http.Handler {
	h := &Handler{
		syncs:   syncs,
		catalog: catalog,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
	return h.routes()
}

func (h *Handler) routes() http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repositories", h.listRepositories)
		r.Post("/repositories/{name}/syncs", h.startSync)
		r.Get("/repositories/{name}/stats", h.getStats)
		r.Get("/syncs/{id}", h.getSync)
		r.Delete("/syncs/{id}", h.cancelSync)
		r.Get("/packages", h.searchPackages)
	})

	return r
}

// healthCheck reports liveness and the upstream circuit state.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if h.breaker != nil {
		body["resolver"] = h.breaker.Breaker()
	}
	respondWithJSON(w, http.StatusOK, body)
}

// listRepositories returns every registered repository with its last sync state.
// GET /v1/repositories
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.catalog.ListRepositories(r.Context())
	if err != nil {
		h.logger.Error("Failed to list repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, repos)
}

// startSync triggers a run and returns its id without waiting for it.
// POST /v1/repositories/{name}/syncs?type=full|incremental
func (h *Handler) startSync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	syncType, ok := model.ParseSyncType(r.URL.Query().Get("type"))
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid 'type' parameter. Must be 'full' or 'incremental'.")
		return
	}

	runID, err := h.syncs.StartSync(r.Context(), name, syncType)
	var (
		rejected *custom_errors.ConcurrentSyncRejected
		disabled *custom_errors.RepositoryDisabled
	)
	switch {
	case err == nil:
	case errors.Is(err, custom_errors.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Repository not found")
		return
	case errors.As(err, &rejected):
		respondWithError(w, http.StatusConflict, rejected.Error())
		return
	case errors.As(err, &disabled):
		respondWithError(w, http.StatusUnprocessableEntity, disabled.Error())
		return
	default:
		h.logger.Error("Failed to start sync", "repository", name, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Location", "/v1/syncs/"+strconv.FormatInt(runID, 10))
	respondWithJSON(w, http.StatusAccepted, map[string]any{
		"run_id":    runID,
		"sync_type": syncType,
	})
}

// getSync returns the SyncLog of a run.
// GET /v1/syncs/{id}
func (h *Handler) getSync(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}

	run, err := h.syncs.GetStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, custom_errors.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Sync run not found")
			return
		}
		h.logger.Error("Failed to get sync run", "run_id", runID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}

// cancelSync requests cancellation of an active run.
// DELETE /v1/syncs/{id}
func (h *Handler) cancelSync(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}

	if err := h.syncs.CancelSync(runID); err != nil {
		if errors.Is(err, custom_errors.ErrRunNotActive) {
			respondWithError(w, http.StatusConflict, "Sync run is not active")
			return
		}
		h.logger.Error("Failed to cancel sync run", "run_id", runID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": "cancelling"})
}

// searchPackages filters packages across repositories.
// GET /v1/packages?name=&repository=&min_libyear=&outdated=&limit=&offset=
func (h *Handler) searchPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var arg database.SearchPackagesParams

	if v := strings.TrimSpace(q.Get("name")); v != "" {
		arg.NamePattern = &v
	}
	if v := q.Get("repository"); v != "" {
		arg.RepositoryName = &v
	}
	if v := q.Get("min_libyear"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid 'min_libyear' parameter. Must be a non-negative number.")
			return
		}
		arg.MinLibyear = &f
	}
	if v := q.Get("outdated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'outdated' parameter. Must be true or false.")
			return
		}
		arg.IsOutdated = &b
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := intParam(w, q.Get("offset"), "offset")
	if !ok {
		return
	}
	arg.Limit, arg.Offset = limit, offset

	pkgs, err := h.catalog.SearchPackages(r.Context(), arg)
	if err != nil {
		h.logger.Error("Failed to search packages", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, pkgs)
}

// getStats returns the daily stats of a repository; date defaults to today (UTC).
// GET /v1/repositories/{name}/stats?date=YYYY-MM-DD
func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	day := h.now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'date' parameter. Must be YYYY-MM-DD.")
			return
		}
		day = d
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	st, err := h.catalog.GetStats(r.Context(), name, day)
	if err != nil {
		if errors.Is(err, custom_errors.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Stats not found")
			return
		}
		h.logger.Error("Failed to get repository stats", "repository", name, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func runIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid sync run id")
		return 0, false
	}
	return id, true
}

// intParam parses an optional non-negative int32; empty means zero so the store default applies.
func intParam(w http.ResponseWriter, v, name string) (int32, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid '"+name+"' parameter. Must be a non-negative integer below 2^31.")
		return 0, false
	}
	return int32(n), true
}
