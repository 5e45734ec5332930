// internal/clients/lending_client.go
package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/httpapi"
	"libralend/internal/loan"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRateLimited is returned when the server throttled the request.
var ErrRateLimited = errors.New("rate limited")

// APIError is a non-2xx answer of the lending API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	// RetryAfter is the wait the server asked for on a throttled request.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("lending api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("lending api: %d %s", e.Status, e.Code)
}

// Is lets callers match throttling with errors.Is(err, ErrRateLimited).
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// LendingClient calls the lending API on behalf of one user.
type LendingClient struct {
	baseURL string
	user    auth.User
	http    *http.Client
}

func NewLendingClient(baseURL string, user auth.User) *LendingClient {
	return &LendingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *LendingClient) AddItem(ctx context.Context, input catalog.AddItemInput) (*loan.Item, error) {
	var item loan.Item
	if err := c.do(ctx, http.MethodPost, "/items", input, http.StatusCreated, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *LendingClient) GetItem(ctx context.Context, id uuid.UUID) (*loan.Item, error) {
	var item loan.Item
	if err := c.do(ctx, http.MethodGet, "/items/"+id.String(), nil, http.StatusOK, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *LendingClient) CreateLoan(ctx context.Context, input loan.CreateInput) (*loan.Loan, error) {
	var created loan.Loan
	if err := c.do(ctx, http.MethodPost, "/loans", loanBody(input, ""), http.StatusCreated, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ImportLoan creates a loan keyed by importHash. Resubmitting a hash fails with
// the importHashExistent validation code.
func (c *LendingClient) ImportLoan(ctx context.Context, input loan.CreateInput, importHash string) (*loan.Loan, error) {
	var created loan.Loan
	if err := c.do(ctx, http.MethodPost, "/loans/import", loanBody(input, importHash), http.StatusCreated, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *LendingClient) ReturnLoan(ctx context.Context, id uuid.UUID, returnDate time.Time) (*loan.Loan, error) {
	body := map[string]time.Time{"return_date": returnDate}
	var updated loan.Loan
	if err := c.do(ctx, http.MethodPut, "/loans/"+id.String(), body, http.StatusOK, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *LendingClient) DestroyLoans(ctx context.Context, ids []uuid.UUID) error {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	path := "/loans?ids=" + url.QueryEscape(strings.Join(raw, ","))
	return c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

func loanBody(input loan.CreateInput, importHash string) map[string]any {
	body := map[string]any{
		"item_id":   input.ItemID,
		"member_id": input.MemberID,
	}
	if !input.IssueDate.IsZero() {
		body["issue_date"] = input.IssueDate
	}
	if importHash != "" {
		body["import_hash"] = importHash
	}
	return body
}

func (c *LendingClient) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.HeaderUserID, c.user.ID.String())
	req.Header.Set(httpapi.HeaderTenantID, c.user.TenantID.String())
	req.Header.Set(httpapi.HeaderRoles, strings.Join(c.user.Roles, ","))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var problem httpapi.Problem
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return &APIError{
			Status:     resp.StatusCode,
			Code:       problem.Code,
			Message:    problem.Message,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
