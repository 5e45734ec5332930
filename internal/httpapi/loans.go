// internal/httpapi/loans.go
package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libralend/internal/loan"
)

type createLoanRequest struct {
	ItemID    uuid.UUID `json:"item_id"`
	MemberID  uuid.UUID `json:"member_id"`
	IssueDate time.Time `json:"issue_date"`
}

type importLoanRequest struct {
	createLoanRequest
	ImportHash string `json:"import_hash"`
}

type updateLoanRequest struct {
	ReturnDate *time.Time `json:"return_date"`
}

func (h *Handler) createLoan(w http.ResponseWriter, r *http.Request) {
	if !h.canAdminister(currentUser(r)) {
		writeProblem(w, http.StatusForbidden, "forbidden", "")
		return
	}
	var req createLoanRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	created, err := h.loans.Create(r.Context(), currentUser(r), loan.CreateInput{
		ItemID:    req.ItemID,
		MemberID:  req.MemberID,
		IssueDate: req.IssueDate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) importLoan(w http.ResponseWriter, r *http.Request) {
	if !h.canAdminister(currentUser(r)) {
		writeProblem(w, http.StatusForbidden, "forbidden", "")
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "rateLimited", "import rate exceeded")
		return
	}

	var req importLoanRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	created, err := h.loans.Import(r.Context(), currentUser(r), loan.CreateInput{
		ItemID:    req.ItemID,
		MemberID:  req.MemberID,
		IssueDate: req.IssueDate,
	}, req.ImportHash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	found, err := h.loans.FindByID(r.Context(), currentUser(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) updateLoan(w http.ResponseWriter, r *http.Request) {
	if !h.canAdminister(currentUser(r)) {
		writeProblem(w, http.StatusForbidden, "forbidden", "")
		return
	}
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}
	var req updateLoanRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	updated, err := h.loans.Update(r.Context(), currentUser(r), id, loan.UpdateInput{ReturnDate: req.ReturnDate})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) destroyLoans(w http.ResponseWriter, r *http.Request) {
	if !h.canAdminister(currentUser(r)) {
		writeProblem(w, http.StatusForbidden, "forbidden", "")
		return
	}
	var ids []uuid.UUID
	for _, raw := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		id, err := parseID(raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		writeProblem(w, http.StatusBadRequest, "badRequest", "ids query parameter is required")
		return
	}

	if err := h.loans.DestroyAll(r.Context(), currentUser(r), ids); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listLoans(w http.ResponseWriter, r *http.Request) {
	query, err := parseLoanQuery(r.URL.Query())
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	result, err := h.loans.FindAndCountAll(r.Context(), currentUser(r), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result.Rows == nil {
		result.Rows = []loan.Loan{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) autocompleteLoans(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "badRequest", "invalid limit")
			return
		}
		limit = n
	}

	summaries, err := h.loans.FindAllAutocomplete(r.Context(), currentUser(r), r.URL.Query().Get("query"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []loan.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) loanHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	events, err := h.history.LoanHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(events) == 0 {
		writeProblem(w, http.StatusNotFound, "notFound", "")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func parseLoanQuery(values url.Values) (loan.Query, error) {
	var q loan.Query
	var err error

	if q.Filter.ItemID, err = optionalID(values, "item_id"); err != nil {
		return q, err
	}
	if q.Filter.MemberID, err = optionalID(values, "member_id"); err != nil {
		return q, err
	}

	switch status := values.Get("status"); status {
	case "", loan.StatusOpen, loan.StatusOverdue, loan.StatusClosed:
		q.Filter.Status = status
	default:
		return q, fmt.Errorf("unknown status %q", status)
	}
	q.Filter.ImportHash = values.Get("import_hash")

	ranges := []struct {
		prefix string
		dst    *loan.TimeRange
	}{
		{"issue_date", &q.Filter.IssueDateRange},
		{"due_date", &q.Filter.DueDateRange},
		{"return_date", &q.Filter.ReturnDateRange},
	}
	for _, rg := range ranges {
		if rg.dst.From, err = optionalTime(values, rg.prefix+"_from"); err != nil {
			return q, err
		}
		if rg.dst.To, err = optionalTime(values, rg.prefix+"_to"); err != nil {
			return q, err
		}
	}

	if q.Page.Limit, err = optionalInt(values, "limit"); err != nil {
		return q, err
	}
	if q.Page.Offset, err = optionalInt(values, "offset"); err != nil {
		return q, err
	}
	switch order := values.Get("order_by"); order {
	case "", loan.OrderIssueDateDesc, loan.OrderIssueDateAsc, loan.OrderDueDateAsc, loan.OrderCreatedAtDesc:
		q.Page.OrderBy = order
	default:
		return q, fmt.Errorf("unknown order %q", order)
	}
	return q, nil
}

func optionalID(values url.Values, key string) (*uuid.UUID, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &id, nil
}

func optionalTime(values url.Values, key string) (*time.Time, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &t, nil
}

func optionalInt(values url.Values, key string) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}
