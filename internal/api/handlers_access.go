package api

import (
	"net/http"

	"github.com/ignite/telegram-broadcaster/internal/pkg/httputil"
)

type accessCheckRequest struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// CheckAccess decides whether a user may drive the platform. Unknown users
// are recorded for later approval and denied.
func (h *Handlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	var req accessCheckRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	allowed, reason, err := h.deps.Access.Check(r.Context(), req.UserID, req.Username, req.FirstName, req.LastName)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	resp := map[string]any{"allowed": allowed}
	if reason != "" {
		resp["reason"] = reason
	}
	httputil.OK(w, resp)
}

type accessGrantRequest struct {
	UserID string `json:"user_id"`
	Days   int    `json:"days"`
}

// GrantAccess extends a user's access; days <= 0 grants without expiry.
func (h *Handlers) GrantAccess(w http.ResponseWriter, r *http.Request) {
	var req accessGrantRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	if err := h.deps.Access.Grant(r.Context(), req.UserID, req.Days); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"granted": true})
}

type accessBlockRequest struct {
	UserID string `json:"user_id"`
}

// BlockAccess denies a user until explicitly re-granted.
func (h *Handlers) BlockAccess(w http.ResponseWriter, r *http.Request) {
	var req accessBlockRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	if err := h.deps.Access.Block(r.Context(), req.UserID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"blocked": true})
}
