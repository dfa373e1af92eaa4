package http

import (
	"net/http"

	"github.com/opentrusty/opentrusty-admin/internal/authn"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
)

// LoginRequest carries the transport-encrypted password
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ImpersonateRequest names the group to switch to
type ImpersonateRequest struct {
	GroupID int64 `json:"groupId"`
}

// Login authenticates against the directory and issues a token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusUnprocessableEntity, errs.KindValidation, "username and password are required")
		return
	}

	res, err := h.auth.Login(r.Context(), authn.LoginInput{
		Username: req.Username,
		Password: req.Password,
		Device:   r.UserAgent(),
		IP:       clientIP(r),
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Logout ends the session of the presented token
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), GetToken(r.Context()), principal(r)); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Impersonate re-issues the token for another bound group
func (h *Handler) Impersonate(w http.ResponseWriter, r *http.Request) {
	var req ImpersonateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.GroupID <= 0 {
		respondError(w, http.StatusUnprocessableEntity, errs.KindValidation, "groupId is required")
		return
	}
	res, err := h.auth.Impersonate(r.Context(), principal(r), req.GroupID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Me returns the caller's context, menu and groups
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	res, err := h.auth.Me(r.Context(), principal(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
