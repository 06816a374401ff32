package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/pkg/httputil"
	"github.com/ignite/telegram-broadcaster/internal/service/campaigns"
	"github.com/ignite/telegram-broadcaster/internal/service/groups"
)

// Handlers holds the HTTP handler collaborators.
type Handlers struct {
	deps      Deps
	startedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, startedAt: time.Now()}
}

// requireUserID pulls the user_id query param, writing a 400 if missing.
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.BadRequest(w, "user_id is required")
		return "", false
	}
	return userID, true
}

// HealthCheck reports process liveness plus queue and scheduler state.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.deps.Scheduler != nil {
		resp["scheduler_leader"] = h.deps.Scheduler.IsLeader()
	}
	if h.deps.Queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if depth, err := h.deps.Queue.Depth(ctx); err == nil {
			resp["queue"] = depth
		} else {
			resp["status"] = "degraded"
			resp["queue_error"] = err.Error()
		}
	}
	httputil.OK(w, resp)
}

// ListGroups returns the user's active broadcast targets.
func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Groups.List(r.Context(), userID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if list == nil {
		list = []domain.TargetGroup{}
	}
	httputil.OK(w, map[string]any{"groups": list})
}

type addGroupRequest struct {
	UserID     string `json:"user_id"`
	ID         string `json:"id"`
	Title      string `json:"title"`
	Kind       string `json:"type"`
	AccessHash string `json:"access_hash"`
}

// AddGroup registers a broadcast target. The chat id is normalized before
// storage, so "-100123", "123" with type supergroup, and "-123" all land in
// canonical form.
func (h *Handlers) AddGroup(w http.ResponseWriter, r *http.Request) {
	var req addGroupRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	g, err := h.deps.Groups.Add(r.Context(), req.UserID, groups.AddInput{
		ID:         req.ID,
		Title:      req.Title,
		Kind:       domain.GroupKind(req.Kind),
		AccessHash: req.AccessHash,
	})
	if errors.Is(err, groups.ErrInvalidID) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, g)
}

// RemoveGroup deletes a broadcast target.
func (h *Handlers) RemoveGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	err := h.deps.Groups.Remove(r.Context(), userID, id)
	if errors.Is(err, groups.ErrNotFound) {
		httputil.NotFound(w, "group not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// GetCampaign returns the user's campaign configuration.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	c, err := h.deps.Campaigns.GetConfig(r.Context(), userID)
	if errors.Is(err, campaigns.ErrNotFound) {
		httputil.NotFound(w, "campaign not configured")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, c)
}

type updateCampaignRequest struct {
	UserID          string  `json:"user_id"`
	Message         *string `json:"message"`
	IntervalSeconds *int    `json:"interval_seconds"`
	IsActive        *bool   `json:"is_active"`
}

// UpdateCampaign sets message, interval, and/or the active flag. Fields not
// present in the body are left unchanged.
func (h *Handlers) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req updateCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	c, err := h.deps.Campaigns.SetConfig(r.Context(), req.UserID, campaigns.UpdateFields{
		Message:         req.Message,
		IntervalSeconds: req.IntervalSeconds,
		IsActive:        req.IsActive,
	})
	if errors.Is(err, campaigns.ErrIntervalTooLow) || errors.Is(err, campaigns.ErrIncompleteSetup) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ListRemoteGroups returns live group dialogs from the user's Telegram
// account, served through the dialogs cache.
func (h *Handlers) ListRemoteGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if h.deps.Pool == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "telegram client pool not available in this role")
		return
	}
	list, err := h.deps.Pool.ListGroupDialogs(r.Context(), userID)
	if err != nil {
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	if list == nil {
		list = []domain.RemoteGroup{}
	}
	httputil.OK(w, map[string]any{"groups": list})
}

// GetStats exposes counters from whichever components run in this process.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.deps.Scheduler != nil {
		resp["scheduler"] = h.deps.Scheduler.Stats()
	}
	if h.deps.Pool != nil {
		resp["telegram"] = h.deps.Pool.Stats()
	}
	if h.deps.Queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if depth, err := h.deps.Queue.Depth(ctx); err == nil {
			resp["queue"] = depth
		}
		if lag, err := h.deps.Queue.OldestReadyLag(ctx); err == nil {
			resp["queue_oldest_ready_lag_ms"] = lag.Milliseconds()
		}
	}
	httputil.OK(w, resp)
}
