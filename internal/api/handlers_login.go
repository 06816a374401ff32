package api

import (
	"net/http"

	"github.com/ignite/telegram-broadcaster/internal/pkg/httputil"
	"github.com/ignite/telegram-broadcaster/internal/telegram"
)

type loginStartRequest struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone"`
}

type loginCodeRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

type login2FARequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type loginCancelRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handlers) loginReady(w http.ResponseWriter) bool {
	if h.deps.Login == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "login not available in this role")
		return false
	}
	return true
}

func writeLoginResult(w http.ResponseWriter, res *telegram.LoginResult) {
	status := http.StatusOK
	if !res.Success && !res.RequiresPassword {
		status = http.StatusBadRequest
	}
	httputil.JSON(w, status, res)
}

// LoginStart begins the phone-code login flow for an account.
func (h *Handlers) LoginStart(w http.ResponseWriter, r *http.Request) {
	if !h.loginReady(w) {
		return
	}
	var req loginStartRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Phone == "" {
		httputil.BadRequest(w, "user_id and phone are required")
		return
	}
	writeLoginResult(w, h.deps.Login.StartLogin(r.Context(), req.UserID, req.Phone))
}

// LoginCode submits the received confirmation code.
func (h *Handlers) LoginCode(w http.ResponseWriter, r *http.Request) {
	if !h.loginReady(w) {
		return
	}
	var req loginCodeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Code == "" {
		httputil.BadRequest(w, "user_id and code are required")
		return
	}
	writeLoginResult(w, h.deps.Login.CompleteLogin(r.Context(), req.UserID, req.Code))
}

// Login2FA submits the cloud password when the account has 2FA enabled.
func (h *Handlers) Login2FA(w http.ResponseWriter, r *http.Request) {
	if !h.loginReady(w) {
		return
	}
	var req login2FARequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Password == "" {
		httputil.BadRequest(w, "user_id and password are required")
		return
	}
	writeLoginResult(w, h.deps.Login.Complete2FA(r.Context(), req.UserID, req.Password))
}

// LoginCancel abandons an in-progress login.
func (h *Handlers) LoginCancel(w http.ResponseWriter, r *http.Request) {
	if !h.loginReady(w) {
		return
	}
	var req loginCancelRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	writeLoginResult(w, h.deps.Login.CancelLogin(req.UserID))
}
