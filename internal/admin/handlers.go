package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"logwatch/internal/storage"
)

type Store interface {
	ListCheckpoints(ctx context.Context) ([]storage.Checkpoint, error)
	ResetCheckpoint(ctx context.Context, collection string) (int64, error)
	ListRuns(ctx context.Context, jobName string, limit int) ([]storage.RunRecord, error)
}

type Handler struct {
	Store   Store
	JobName string
	// Trigger receives on-demand run requests. A full channel means a run is
	// already queued or executing.
	Trigger chan<- string
	Timeout time.Duration
	Logger  zerolog.Logger
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/checkpoints", func(r chi.Router) {
		r.Get("/", h.handleCheckpointsList)
		r.Delete("/", h.handleCheckpointsReset)
		r.Delete("/{collection}", h.handleCheckpointsReset)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.handleRunsList)
		r.Post("/", h.handleRunTrigger)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleCheckpointsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	checkpoints, err := h.Store.ListCheckpoints(ctx)
	if err != nil {
		h.Logger.Error().Err(err).Msg("list_checkpoints_failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list checkpoints"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "checkpoints": checkpoints})
}

func (h *Handler) handleCheckpointsReset(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	ctx, cancel := h.context(r)
	defer cancel()
	removed, err := h.Store.ResetCheckpoint(ctx, collection)
	if err != nil {
		h.Logger.Error().Err(err).Str("collection", collection).Msg("reset_checkpoint_failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to reset checkpoints"})
		return
	}
	h.Logger.Info().Str("collection", collection).Int64("removed", removed).Msg("checkpoints_reset")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (h *Handler) handleRunsList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}
	ctx, cancel := h.context(r)
	defer cancel()
	runs, err := h.Store.ListRuns(ctx, h.JobName, limit)
	if err != nil {
		h.Logger.Error().Err(err).Msg("list_runs_failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list runs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runs": runs})
}

func (h *Handler) handleRunTrigger(w http.ResponseWriter, r *http.Request) {
	if h.Trigger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "message": "scheduler not running"})
		return
	}
	select {
	case h.Trigger <- "admin":
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": "run already in progress"})
	}
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
