// internal/httpapi/items.go
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"libralend/internal/auth"
	"libralend/internal/catalog"
)

type updateItemRequest struct {
	TotalCopies *int `json:"total_copies"`
}

type saveSettingsRequest struct {
	LoanPeriodDays int `json:"loan_period_days"`
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	if !h.canAdminister(currentUser(r)) {
		writeProblem(w, http.StatusForbidden, "forbidden", "")
		return
	}
	var req catalog.AddItemInput
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	item, err := h.catalog.AddItem(r.Context(), currentUser(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	item, err := h.catalog.GetItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	if !h.canAdminister(currentUser(r)) {
		writeProblem(w, http.StatusForbidden, "forbidden", "")
		return
	}
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}
	var req updateItemRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}
	if req.TotalCopies == nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", "total_copies is required")
		return
	}

	item, err := h.catalog.UpdateTotalCopies(r.Context(), currentUser(r), id, *req.TotalCopies)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.FindOrCreateDefault(r.Context(), currentUser(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) saveSettings(w http.ResponseWriter, r *http.Request) {
	if !h.roles.HasRole(currentUser(r), auth.RoleAdmin) {
		writeProblem(w, http.StatusForbidden, "forbidden", "")
		return
	}
	var req saveSettingsRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	s, err := h.settings.Save(r.Context(), currentUser(r), req.LoanPeriodDays)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) canAdminister(user auth.User) bool {
	return h.roles.HasRole(user, auth.RoleLibrarian) || h.roles.HasRole(user, auth.RoleAdmin)
}
