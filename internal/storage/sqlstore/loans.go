// internal/storage/sqlstore/loans.go
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libralend/internal/loan"
	"libralend/internal/storage/sqlerr"
)

// Audit aggregates and event types.
const (
	AggregateLoan = "loan"
	AggregateItem = "item"

	EventLoanCreated        = "LoanCreated"
	EventLoanClosed         = "LoanClosed"
	EventLoanDestroyed      = "LoanDestroyed"
	EventItemStockRefreshed = "ItemStockRefreshed"
)

var loanColumns = []any{
	"id", "item_id", "member_id", "issue_date", "due_date", "return_date",
	"import_hash", "created_by", "updated_by", "created_at", "updated_at",
}

type loanRow struct {
	ID         uuid.UUID      `db:"id"`
	ItemID     uuid.UUID      `db:"item_id"`
	MemberID   uuid.UUID      `db:"member_id"`
	IssueDate  string         `db:"issue_date"`
	DueDate    string         `db:"due_date"`
	ReturnDate sql.NullString `db:"return_date"`
	ImportHash sql.NullString `db:"import_hash"`
	CreatedBy  uuid.UUID      `db:"created_by"`
	UpdatedBy  uuid.UUID      `db:"updated_by"`
	CreatedAt  string         `db:"created_at"`
	UpdatedAt  string         `db:"updated_at"`
}

func (r loanRow) toLoan() (loan.Loan, error) {
	l := loan.Loan{
		ID:         r.ID,
		ItemID:     r.ItemID,
		MemberID:   r.MemberID,
		ImportHash: r.ImportHash.String,
		CreatedBy:  r.CreatedBy,
		UpdatedBy:  r.UpdatedBy,
	}
	var err error
	if l.IssueDate, err = loan.ParseTimestamp(r.IssueDate); err != nil {
		return loan.Loan{}, fmt.Errorf("loan %s issue_date: %w", r.ID, err)
	}
	if l.DueDate, err = loan.ParseTimestamp(r.DueDate); err != nil {
		return loan.Loan{}, fmt.Errorf("loan %s due_date: %w", r.ID, err)
	}
	if r.ReturnDate.Valid {
		rd, err := loan.ParseTimestamp(r.ReturnDate.String)
		if err != nil {
			return loan.Loan{}, fmt.Errorf("loan %s return_date: %w", r.ID, err)
		}
		l.ReturnDate = &rd
	}
	if l.CreatedAt, err = loan.ParseTimestamp(r.CreatedAt); err != nil {
		return loan.Loan{}, fmt.Errorf("loan %s created_at: %w", r.ID, err)
	}
	if l.UpdatedAt, err = loan.ParseTimestamp(r.UpdatedAt); err != nil {
		return loan.Loan{}, fmt.Errorf("loan %s updated_at: %w", r.ID, err)
	}
	return l, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type loanCreatedEvent struct {
	ItemID     uuid.UUID `json:"item_id"`
	MemberID   uuid.UUID `json:"member_id"`
	IssueDate  string    `json:"issue_date"`
	DueDate    string    `json:"due_date"`
	ImportHash string    `json:"import_hash,omitempty"`
}

type loanClosedEvent struct {
	ReturnDate string `json:"return_date"`
}

type loanDestroyedEvent struct {
	ItemID uuid.UUID `json:"item_id"`
}

// Loans implements loan.LoanRepository. Every write appends to the loan's audit trail
// in the same transaction.
type Loans struct {
	store *Store
}

func (r *Loans) FindByID(ctx context.Context, id uuid.UUID, opts loan.Options) (*loan.Loan, error) {
	q, err := r.store.conn(opts)
	if err != nil {
		return nil, &loan.StorageError{Op: "find loan", Err: err}
	}
	found, err := r.findByID(ctx, q, id)
	if err != nil {
		return nil, storageError("find loan", err)
	}
	return found, nil
}

func (r *Loans) findByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*loan.Loan, error) {
	query, args, err := r.store.toSQL("find loan", r.store.dialect.From("loans").Prepared(true).
		Select(loanColumns...).
		Where(goqu.C("id").Eq(id)))
	if err != nil {
		return nil, err
	}

	var row loanRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &loan.NotFoundError{Entity: "loan", ID: id.String()}
		}
		return nil, err
	}
	l, err := row.toLoan()
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Loans) FindAndCountAll(ctx context.Context, filter loan.Filter, page loan.Page, opts loan.Options) ([]loan.Loan, int, error) {
	q, err := r.store.conn(opts)
	if err != nil {
		return nil, 0, &loan.StorageError{Op: "list loans", Err: err}
	}

	count, err := r.count(ctx, q, filter)
	if err != nil {
		return nil, 0, storageError("count loans", err)
	}

	ds := r.store.dialect.From("loans").Prepared(true).
		Select(loanColumns...).
		Where(r.where(filter)...).
		Order(orderBy(page.OrderBy)...)
	if page.Limit > 0 {
		ds = ds.Limit(uint(page.Limit))
	}
	if page.Offset > 0 {
		ds = ds.Offset(uint(page.Offset))
	}
	query, args, err := r.store.toSQL("list loans", ds)
	if err != nil {
		return nil, 0, err
	}

	var rows []loanRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, 0, storageError("list loans", err)
	}

	loans := make([]loan.Loan, 0, len(rows))
	for _, row := range rows {
		l, err := row.toLoan()
		if err != nil {
			return nil, 0, storageError("list loans", err)
		}
		loans = append(loans, l)
	}
	return loans, count, nil
}

// FindAllAutocomplete matches loans whose id starts with search.
func (r *Loans) FindAllAutocomplete(ctx context.Context, search string, limit int, opts loan.Options) ([]loan.Summary, error) {
	q, err := r.store.conn(opts)
	if err != nil {
		return nil, &loan.StorageError{Op: "autocomplete loans", Err: err}
	}

	ds := r.store.dialect.From("loans").Prepared(true).
		Select("id").
		Order(goqu.C("id").Asc())
	if search = strings.ToLower(strings.TrimSpace(search)); search != "" {
		if strings.Trim(search, "0123456789abcdef-") != "" {
			return []loan.Summary{}, nil
		}
		ds = ds.Where(goqu.C("id").Like(search + "%"))
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := r.store.toSQL("autocomplete loans", ds)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	if err := sqlx.SelectContext(ctx, q, &ids, query, args...); err != nil {
		return nil, storageError("autocomplete loans", err)
	}

	out := make([]loan.Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, loan.Summary{ID: id, Label: id.String()})
	}
	return out, nil
}

func (r *Loans) Create(ctx context.Context, record loan.Loan, opts loan.Options) (*loan.Loan, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := r.store.now()
	record.Item = nil
	record.CreatedBy, record.UpdatedBy = opts.Actor, opts.Actor
	record.CreatedAt, record.UpdatedAt = now, now

	err := r.store.write(ctx, "create loan", opts, func(q sqlx.ExtContext) error {
		if _, err := r.store.items.findByID(ctx, q, record.ItemID, false); err != nil {
			return err
		}

		query, args, err := r.store.toSQL("create loan", r.store.dialect.Insert("loans").Prepared(true).Rows(goqu.Record{
			"id":          record.ID,
			"item_id":     record.ItemID,
			"member_id":   record.MemberID,
			"issue_date":  loan.FormatTimestamp(record.IssueDate),
			"due_date":    loan.FormatTimestamp(record.DueDate),
			"return_date": nullTimestamp(record.ReturnDate),
			"import_hash": nullable(record.ImportHash),
			"created_by":  record.CreatedBy,
			"updated_by":  record.UpdatedBy,
			"created_at":  loan.FormatTimestamp(record.CreatedAt),
			"updated_at":  loan.FormatTimestamp(record.UpdatedAt),
		}))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			if record.ImportHash != "" && sqlerr.IsUniqueViolation(err) {
				return loan.NewValidationError(loan.CodeImportHashExistent)
			}
			return err
		}

		return r.store.appendEvent(ctx, q, AggregateLoan, record.ID, EventLoanCreated, opts.Actor, loanCreatedEvent{
			ItemID:     record.ItemID,
			MemberID:   record.MemberID,
			IssueDate:  loan.FormatTimestamp(record.IssueDate),
			DueDate:    loan.FormatTimestamp(record.DueDate),
			ImportHash: record.ImportHash,
		})
	})
	if err != nil {
		return nil, storageError("create loan", err)
	}

	record.IssueDate = record.IssueDate.UTC().Truncate(time.Millisecond)
	record.DueDate = record.DueDate.UTC().Truncate(time.Millisecond)
	return &record, nil
}

func (r *Loans) Update(ctx context.Context, id uuid.UUID, input loan.UpdateInput, opts loan.Options) (*loan.Loan, error) {
	var updated *loan.Loan
	err := r.store.write(ctx, "update loan", opts, func(q sqlx.ExtContext) error {
		if _, err := r.findByID(ctx, q, id); err != nil {
			return err
		}

		record := goqu.Record{
			"updated_by": opts.Actor,
			"updated_at": loan.FormatTimestamp(r.store.now()),
		}
		if input.ReturnDate != nil {
			record["return_date"] = loan.FormatTimestamp(*input.ReturnDate)
		}
		query, args, err := r.store.toSQL("update loan", r.store.dialect.Update("loans").Prepared(true).
			Set(record).
			Where(goqu.C("id").Eq(id)))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		if input.ReturnDate != nil {
			err := r.store.appendEvent(ctx, q, AggregateLoan, id, EventLoanClosed, opts.Actor, loanClosedEvent{
				ReturnDate: loan.FormatTimestamp(*input.ReturnDate),
			})
			if err != nil {
				return err
			}
		}

		updated, err = r.findByID(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, storageError("update loan", err)
	}
	return updated, nil
}

func (r *Loans) Destroy(ctx context.Context, id uuid.UUID, opts loan.Options) error {
	err := r.store.write(ctx, "destroy loan", opts, func(q sqlx.ExtContext) error {
		existing, err := r.findByID(ctx, q, id)
		if err != nil {
			return err
		}

		query, args, err := r.store.toSQL("destroy loan", r.store.dialect.Delete("loans").Prepared(true).
			Where(goqu.C("id").Eq(id)))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		return r.store.appendEvent(ctx, q, AggregateLoan, id, EventLoanDestroyed, opts.Actor, loanDestroyedEvent{ItemID: existing.ItemID})
	})
	return storageErrorOrNil("destroy loan", err)
}

func (r *Loans) Count(ctx context.Context, filter loan.Filter, opts loan.Options) (int, error) {
	q, err := r.store.conn(opts)
	if err != nil {
		return 0, &loan.StorageError{Op: "count loans", Err: err}
	}
	count, err := r.count(ctx, q, filter)
	if err != nil {
		return 0, storageError("count loans", err)
	}
	return count, nil
}

func (r *Loans) count(ctx context.Context, q sqlx.QueryerContext, filter loan.Filter) (int, error) {
	query, args, err := r.store.toSQL("count loans", r.store.dialect.From("loans").Prepared(true).
		Select(goqu.COUNT("*")).
		Where(r.where(filter)...))
	if err != nil {
		return 0, err
	}
	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, args...); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Loans) where(f loan.Filter) []exp.Expression {
	var where []exp.Expression
	if f.ItemID != nil {
		where = append(where, goqu.C("item_id").Eq(*f.ItemID))
	}
	if f.MemberID != nil {
		where = append(where, goqu.C("member_id").Eq(*f.MemberID))
	}
	if f.ImportHash != "" {
		where = append(where, goqu.C("import_hash").Eq(f.ImportHash))
	}
	where = append(where, timeRange("issue_date", f.IssueDateRange)...)
	where = append(where, timeRange("due_date", f.DueDateRange)...)
	where = append(where, timeRange("return_date", f.ReturnDateRange)...)

	switch f.Status {
	case loan.StatusOpen:
		where = append(where, goqu.C("return_date").IsNull())
	case loan.StatusClosed:
		where = append(where, goqu.C("return_date").IsNotNull())
	case loan.StatusOverdue:
		where = append(where,
			goqu.C("return_date").IsNull(),
			goqu.C("due_date").Lt(loan.FormatTimestamp(r.store.now())))
	}
	return where
}

func timeRange(column string, tr loan.TimeRange) []exp.Expression {
	var where []exp.Expression
	if tr.From != nil {
		where = append(where, goqu.C(column).Gte(loan.FormatTimestamp(*tr.From)))
	}
	if tr.To != nil {
		where = append(where, goqu.C(column).Lte(loan.FormatTimestamp(*tr.To)))
	}
	return where
}

func orderBy(order string) []exp.OrderedExpression {
	var first exp.OrderedExpression
	switch order {
	case loan.OrderIssueDateAsc:
		first = goqu.C("issue_date").Asc()
	case loan.OrderDueDateAsc:
		first = goqu.C("due_date").Asc()
	case loan.OrderCreatedAtDesc:
		first = goqu.C("created_at").Desc()
	default:
		first = goqu.C("issue_date").Desc()
	}
	return []exp.OrderedExpression{first, goqu.C("id").Asc()}
}

func nullTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: loan.FormatTimestamp(*t), Valid: true}
}

func storageErrorOrNil(op string, err error) error {
	if err == nil {
		return nil
	}
	return storageError(op, err)
}
