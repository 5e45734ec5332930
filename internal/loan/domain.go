// internal/loan/domain.go
package loan

import (
	"time"

	"github.com/google/uuid"
)

// Status values derived from a loan's dates.
const (
	StatusOpen    = "open"
	StatusOverdue = "overdue"
	StatusClosed  = "closed"
)

// Loan is an item borrowed by a member for a bounded period.
type Loan struct {
	ID         uuid.UUID  `json:"id"`
	ItemID     uuid.UUID  `json:"item_id"`
	Item       *Item      `json:"item,omitempty"`
	MemberID   uuid.UUID  `json:"member_id"`
	IssueDate  time.Time  `json:"issue_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
	ImportHash string     `json:"import_hash,omitempty"`
	CreatedBy  uuid.UUID  `json:"created_by"`
	UpdatedBy  uuid.UUID  `json:"updated_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsOpen reports whether the item is still out on this loan.
func (l *Loan) IsOpen() bool {
	return l.ReturnDate == nil
}

// Status derives the loan's status at now.
func (l *Loan) Status(now time.Time) string {
	switch {
	case !l.IsOpen():
		return StatusClosed
	case now.After(l.DueDate):
		return StatusOverdue
	default:
		return StatusOpen
	}
}

// Item is a catalog entry whose Stock counts the copies currently on the shelf.
type Item struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn,omitempty"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	TotalCopies int       `json:"total_copies"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary is the lightweight shape returned by autocomplete.
type Summary struct {
	ID    uuid.UUID `json:"id"`
	Label string    `json:"label"`
}

// CreateInput carries the caller-supplied fields of a new loan. A due date is never
// accepted from the caller.
type CreateInput struct {
	ItemID    uuid.UUID `json:"item_id"`
	MemberID  uuid.UUID `json:"member_id"`
	IssueDate time.Time `json:"issue_date"`
}

// UpdateInput closes a loan.
type UpdateInput struct {
	ReturnDate *time.Time `json:"return_date"`
}

// TimeRange bounds a timestamp filter. Either end may be nil.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Filter narrows FindAndCountAll and Count. Zero fields do not constrain.
type Filter struct {
	ItemID          *uuid.UUID `json:"item_id,omitempty"`
	MemberID        *uuid.UUID `json:"member_id,omitempty"`
	Status          string     `json:"status,omitempty"`
	IssueDateRange  TimeRange  `json:"issue_date_range"`
	DueDateRange    TimeRange  `json:"due_date_range"`
	ReturnDateRange TimeRange  `json:"return_date_range"`
	ImportHash      string     `json:"import_hash,omitempty"`
}

// Sort orders accepted by FindAndCountAll.
const (
	OrderIssueDateDesc = "issue_date_desc"
	OrderIssueDateAsc  = "issue_date_asc"
	OrderDueDateAsc    = "due_date_asc"
	OrderCreatedAtDesc = "created_at_desc"
)

// Page is an offset pagination request.
type Page struct {
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	OrderBy string `json:"order_by"`
}

// Query is the argument of FindAndCountAll.
type Query struct {
	Filter Filter `json:"filter"`
	Page   Page   `json:"page"`
}

// Result is a page of loans together with the unpaginated count.
type Result struct {
	Rows  []Loan `json:"rows"`
	Count int    `json:"count"`
}
