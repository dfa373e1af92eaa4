package http

import (
	"context"
	"net/http"

	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// RegisterUserRequest registers a directory user with initial bindings
type RegisterUserRequest struct {
	Username string            `json:"username"`
	Bindings []approval.Change `json:"bindings"`
}

// ProposeRequest is a batch of binding changes for one user
type ProposeRequest struct {
	Changes []approval.Change `json:"changes"`
}

// ResolveRequest carries the checker's remark
type ResolveRequest struct {
	Changelog string `json:"changelog"`
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := h.users.List(r.Context(), identity.Filter{Username: r.URL.Query().Get("username")}, pageRequest(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.accounts.Register(r.Context(), principal(r).Actor(), req.Username, req.Bindings)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.accounts.Get(r.Context(), principal(r).Actor(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) DisableUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.accounts.Disable(r.Context(), principal(r).Actor(), id); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProposeBindings submits create, update or delete requests for a user's bindings
func (h *Handler) ProposeBindings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ProposeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.approvals.Propose(r.Context(), principal(r).Actor(), id, req.Changes)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// GroupPending lists WAITING requests of the caller's group
func (h *Handler) GroupPending(w http.ResponseWriter, r *http.Request) {
	page, err := h.approvals.PendingForGroup(r.Context(), principal(r).Actor(), pageRequest(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// MyPending lists WAITING requests targeting the caller
func (h *Handler) MyPending(w http.ResponseWriter, r *http.Request) {
	page, err := h.approvals.PendingForMe(r.Context(), principal(r).Actor(), pageRequest(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.approvals.Approve)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.approvals.Reject)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor rbac.Actor, id int64, changelog string) (*approval.Binding, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	b, err := fn(r.Context(), principal(r).Actor(), id, req.Changelog)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}
