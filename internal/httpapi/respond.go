// internal/httpapi/respond.go
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"libralend/internal/auth"
	"libralend/internal/loan"
	"libralend/internal/settings"
)

// Caller identity headers set by the authenticating gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderTenantID = "X-Tenant-ID"
	HeaderRoles    = "X-User-Roles"
)

// Problem is the error body of every failed request.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func userFromHeaders(h http.Header) (auth.User, error) {
	id, err := uuid.Parse(h.Get(HeaderUserID))
	if err != nil {
		return auth.User{}, fmt.Errorf("invalid %s header", HeaderUserID)
	}
	tenant, err := uuid.Parse(h.Get(HeaderTenantID))
	if err != nil {
		return auth.User{}, fmt.Errorf("invalid %s header", HeaderTenantID)
	}

	var roles []string
	for _, role := range strings.Split(h.Get(HeaderRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return auth.User{ID: id, TenantID: tenant, Roles: roles}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Problem{Code: code, Message: message})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// writeError maps service errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *loan.ValidationError
	var nerr *loan.NotFoundError
	switch {
	case errors.As(err, &verr):
		writeProblem(w, http.StatusBadRequest, verr.Code, "")
	case errors.As(err, &nerr):
		writeProblem(w, http.StatusNotFound, "notFound", nerr.Error())
	case errors.Is(err, loan.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "notFound", "")
	case errors.Is(err, settings.ErrInvalidLoanPeriod):
		writeProblem(w, http.StatusBadRequest, "settings.validation.loanPeriodDays", err.Error())
	default:
		status := http.StatusInternalServerError
		if loan.Retryable(err) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
		writeProblem(w, status, "internal", "")
	}
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
