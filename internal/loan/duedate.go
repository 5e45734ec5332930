// internal/loan/duedate.go
package loan

import (
	"context"
	"fmt"
	"time"

	"libralend/internal/auth"
)

// TimestampLayout is the canonical sortable representation of loan timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads a value written by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// ComputeDueDate adds loanPeriodDays calendar days in issueDate's location.
func ComputeDueDate(issueDate time.Time, loanPeriodDays int) time.Time {
	return issueDate.AddDate(0, 0, loanPeriodDays)
}

// DueDatePolicy owns the due date of every loan.
type DueDatePolicy struct {
	settings SettingsResolver
}

func NewDueDatePolicy(settings SettingsResolver) *DueDatePolicy {
	return &DueDatePolicy{settings: settings}
}

// DueDate resolves the caller's loan period and applies it to issueDate.
func (p *DueDatePolicy) DueDate(ctx context.Context, user auth.User, issueDate time.Time) (time.Time, error) {
	s, err := p.settings.FindOrCreateDefault(ctx, user)
	if err != nil {
		return time.Time{}, &ConfigurationError{Err: err}
	}
	if s.LoanPeriodDays <= 0 {
		return time.Time{}, &ConfigurationError{Err: fmt.Errorf("tenant %s has loan period %d", user.TenantID, s.LoanPeriodDays)}
	}
	return ComputeDueDate(issueDate, s.LoanPeriodDays), nil
}
