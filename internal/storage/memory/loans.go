// internal/storage/memory/loans.go
package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"libralend/internal/loan"
)

// Loans implements loan.LoanRepository.
type Loans struct {
	store *Store
}

func (r *Loans) FindByID(_ context.Context, id uuid.UUID, opts loan.Options) (*loan.Loan, error) {
	var found loan.Loan
	err := r.store.read(opts, func(st *state) error {
		l, ok := st.loans[id]
		if !ok {
			return notFound("loan", id)
		}
		found = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (r *Loans) FindAndCountAll(_ context.Context, filter loan.Filter, page loan.Page, opts loan.Options) ([]loan.Loan, int, error) {
	var rows []loan.Loan
	now := r.store.nowFn()
	err := r.store.read(opts, func(st *state) error {
		for _, l := range st.loans {
			if matches(l, filter, now) {
				rows = append(rows, l)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sortLoans(rows, page.OrderBy)
	total := len(rows)

	if page.Offset > 0 {
		if page.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[page.Offset:]
		}
	}
	if page.Limit > 0 && len(rows) > page.Limit {
		rows = rows[:page.Limit]
	}
	return rows, total, nil
}

func (r *Loans) FindAllAutocomplete(_ context.Context, search string, limit int, opts loan.Options) ([]loan.Summary, error) {
	search = strings.ToLower(strings.TrimSpace(search))
	var out []loan.Summary
	err := r.store.read(opts, func(st *state) error {
		for id := range st.loans {
			if search == "" || strings.HasPrefix(id.String(), search) {
				out = append(out, loan.Summary{ID: id, Label: id.String()})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Loans) Create(ctx context.Context, record loan.Loan, opts loan.Options) (*loan.Loan, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := r.store.nowFn()
	record.Item = nil
	record.CreatedBy, record.UpdatedBy = opts.Actor, opts.Actor
	record.CreatedAt, record.UpdatedAt = now, now

	err := r.store.write(ctx, opts, func(st *state) error {
		if _, ok := st.items[record.ItemID]; !ok {
			return notFound("item", record.ItemID)
		}
		if record.ImportHash != "" {
			for _, l := range st.loans {
				if l.ImportHash == record.ImportHash {
					return loan.NewValidationError(loan.CodeImportHashExistent)
				}
			}
		}
		st.loans[record.ID] = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *Loans) Update(ctx context.Context, id uuid.UUID, input loan.UpdateInput, opts loan.Options) (*loan.Loan, error) {
	var updated loan.Loan
	err := r.store.write(ctx, opts, func(st *state) error {
		l, ok := st.loans[id]
		if !ok {
			return notFound("loan", id)
		}
		if input.ReturnDate != nil {
			rd := *input.ReturnDate
			l.ReturnDate = &rd
		}
		l.UpdatedBy = opts.Actor
		l.UpdatedAt = r.store.nowFn()
		st.loans[id] = l
		updated = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *Loans) Destroy(ctx context.Context, id uuid.UUID, opts loan.Options) error {
	return r.store.write(ctx, opts, func(st *state) error {
		if _, ok := st.loans[id]; !ok {
			return notFound("loan", id)
		}
		delete(st.loans, id)
		return nil
	})
}

func (r *Loans) Count(_ context.Context, filter loan.Filter, opts loan.Options) (int, error) {
	count := 0
	now := r.store.nowFn()
	err := r.store.read(opts, func(st *state) error {
		for _, l := range st.loans {
			if matches(l, filter, now) {
				count++
			}
		}
		return nil
	})
	return count, err
}

func matches(l loan.Loan, f loan.Filter, now time.Time) bool {
	if f.ItemID != nil && l.ItemID != *f.ItemID {
		return false
	}
	if f.MemberID != nil && l.MemberID != *f.MemberID {
		return false
	}
	if f.ImportHash != "" && l.ImportHash != f.ImportHash {
		return false
	}
	if !inRange(l.IssueDate, f.IssueDateRange) || !inRange(l.DueDate, f.DueDateRange) {
		return false
	}
	if f.ReturnDateRange.From != nil || f.ReturnDateRange.To != nil {
		if l.ReturnDate == nil || !inRange(*l.ReturnDate, f.ReturnDateRange) {
			return false
		}
	}
	switch f.Status {
	case loan.StatusOpen:
		return l.IsOpen()
	case loan.StatusClosed:
		return !l.IsOpen()
	case loan.StatusOverdue:
		return l.IsOpen() && now.After(l.DueDate)
	}
	return true
}

// inRange compares at millisecond precision, the resolution timestamps are stored with.
func inRange(ts time.Time, r loan.TimeRange) bool {
	ts = ts.Truncate(time.Millisecond)
	if r.From != nil && ts.Before(r.From.Truncate(time.Millisecond)) {
		return false
	}
	if r.To != nil && ts.After(r.To.Truncate(time.Millisecond)) {
		return false
	}
	return true
}

func sortLoans(rows []loan.Loan, orderBy string) {
	less := func(i, j int) bool { return rows[i].IssueDate.After(rows[j].IssueDate) }
	switch orderBy {
	case loan.OrderIssueDateAsc:
		less = func(i, j int) bool { return rows[i].IssueDate.Before(rows[j].IssueDate) }
	case loan.OrderDueDateAsc:
		less = func(i, j int) bool { return rows[i].DueDate.Before(rows[j].DueDate) }
	case loan.OrderCreatedAtDesc:
		less = func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) }
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if less(i, j) {
			return true
		}
		if less(j, i) {
			return false
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
}
