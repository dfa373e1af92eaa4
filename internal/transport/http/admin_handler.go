package http

import (
	"net/http"
	"strconv"

	"github.com/opentrusty/opentrusty-admin/internal/group"
	"github.com/opentrusty/opentrusty-admin/internal/privilege"
)

func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	page, err := h.groups.Load(r.Context(), group.Filter{Name: r.URL.Query().Get("name")}, pageRequest(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var in group.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := h.groups.Create(r.Context(), principal(r).Actor(), in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, g)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := h.groups.Get(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in group.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := h.groups.Update(r.Context(), principal(r).Actor(), id, in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.groups.Delete(r.Context(), principal(r).Actor(), id); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTypes pages through privilege types; groupId is honoured for superadmins only
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	groupID, _ := strconv.ParseInt(q.Get("groupId"), 10, 64)
	page, err := h.types.List(r.Context(), principal(r).Actor(), privilege.Filter{GroupID: groupID, Name: q.Get("name")}, pageRequest(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handler) CreateType(w http.ResponseWriter, r *http.Request) {
	var in privilege.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	t, err := h.types.Create(r.Context(), principal(r).Actor(), in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

// SupportMatrix returns the blank matrix used to compose a new type
func (h *Handler) SupportMatrix(w http.ResponseWriter, r *http.Request) {
	menu, err := h.types.Support(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, menu)
}

func (h *Handler) GetType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := h.types.Get(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handler) UpdateType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in privilege.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	t, err := h.types.Update(r.Context(), principal(r).Actor(), id, in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) DeleteType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.types.Delete(r.Context(), principal(r).Actor(), id); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
