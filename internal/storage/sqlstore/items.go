// internal/storage/sqlstore/items.go
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libralend/internal/catalog"
	"libralend/internal/loan"
)

var _ catalog.Repository = (*Items)(nil)

var itemColumns = []any{"id", "isbn", "title", "author", "total_copies", "stock", "created_at", "updated_at"}

type itemRow struct {
	ID          uuid.UUID `db:"id"`
	ISBN        string    `db:"isbn"`
	Title       string    `db:"title"`
	Author      string    `db:"author"`
	TotalCopies int       `db:"total_copies"`
	Stock       int       `db:"stock"`
	CreatedAt   string    `db:"created_at"`
	UpdatedAt   string    `db:"updated_at"`
}

func (r itemRow) toItem() (loan.Item, error) {
	item := loan.Item{
		ID:          r.ID,
		ISBN:        r.ISBN,
		Title:       r.Title,
		Author:      r.Author,
		TotalCopies: r.TotalCopies,
		Stock:       r.Stock,
	}
	var err error
	if item.CreatedAt, err = loan.ParseTimestamp(r.CreatedAt); err != nil {
		return loan.Item{}, fmt.Errorf("item %s created_at: %w", r.ID, err)
	}
	if item.UpdatedAt, err = loan.ParseTimestamp(r.UpdatedAt); err != nil {
		return loan.Item{}, fmt.Errorf("item %s updated_at: %w", r.ID, err)
	}
	return item, nil
}

type stockRefreshedEvent struct {
	TotalCopies int `json:"total_copies"`
	OpenLoans   int `json:"open_loans"`
	Stock       int `json:"stock"`
}

// Items implements loan.ItemRepository and catalog.Repository.
type Items struct {
	store *Store
}

func (r *Items) FindByID(ctx context.Context, id uuid.UUID, opts loan.Options) (*loan.Item, error) {
	q, err := r.store.conn(opts)
	if err != nil {
		return nil, &loan.StorageError{Op: "find item", Err: err}
	}
	item, err := r.findByID(ctx, q, id, false)
	if err != nil {
		return nil, storageError("find item", err)
	}
	return item, nil
}

// findByID reads an item. With forUpdate the row stays locked until the transaction
// ends on dialects that support row locks.
func (r *Items) findByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, forUpdate bool) (*loan.Item, error) {
	ds := r.store.dialect.From("items").Prepared(true).
		Select(itemColumns...).
		Where(goqu.C("id").Eq(id))
	if forUpdate && r.store.dialectName == "postgres" {
		ds = ds.ForUpdate(exp.Wait)
	}
	query, args, err := r.store.toSQL("find item", ds)
	if err != nil {
		return nil, err
	}

	var row itemRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &loan.NotFoundError{Entity: "item", ID: id.String()}
		}
		return nil, err
	}
	item, err := row.toItem()
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// RefreshStock locks the item, counts its open loans as seen by the session and
// stores the derived stock.
func (r *Items) RefreshStock(ctx context.Context, id uuid.UUID, opts loan.Options) (*loan.Item, error) {
	var refreshed *loan.Item
	err := r.store.write(ctx, "refresh stock", opts, func(q sqlx.ExtContext) error {
		item, err := r.findByID(ctx, q, id, true)
		if err != nil {
			return err
		}

		open, err := r.store.loans.count(ctx, q, loan.Filter{ItemID: &id, Status: loan.StatusOpen})
		if err != nil {
			return err
		}
		item.Stock = loan.DeriveStock(item.TotalCopies, open)
		item.UpdatedAt = r.store.now()

		query, args, err := r.store.toSQL("refresh stock", r.store.dialect.Update("items").Prepared(true).
			Set(goqu.Record{
				"stock":      item.Stock,
				"updated_at": loan.FormatTimestamp(item.UpdatedAt),
			}).
			Where(goqu.C("id").Eq(id)))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		refreshed = item
		return r.store.appendEvent(ctx, q, AggregateItem, id, EventItemStockRefreshed, opts.Actor, stockRefreshedEvent{
			TotalCopies: item.TotalCopies,
			OpenLoans:   open,
			Stock:       item.Stock,
		})
	})
	if err != nil {
		return nil, storageError("refresh stock", err)
	}
	return refreshed, nil
}

func (r *Items) Create(ctx context.Context, item loan.Item, opts loan.Options) (*loan.Item, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := r.store.now()
	item.CreatedAt, item.UpdatedAt = now, now

	err := r.store.write(ctx, "create item", opts, func(q sqlx.ExtContext) error {
		query, args, err := r.store.toSQL("create item", r.store.dialect.Insert("items").Prepared(true).Rows(goqu.Record{
			"id":           item.ID,
			"isbn":         item.ISBN,
			"title":        item.Title,
			"author":       item.Author,
			"total_copies": item.TotalCopies,
			"stock":        item.Stock,
			"created_at":   loan.FormatTimestamp(item.CreatedAt),
			"updated_at":   loan.FormatTimestamp(item.UpdatedAt),
		}))
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, storageError("create item", err)
	}
	return &item, nil
}

func (r *Items) SetTotalCopies(ctx context.Context, id uuid.UUID, totalCopies int, opts loan.Options) (*loan.Item, error) {
	var updated *loan.Item
	err := r.store.write(ctx, "set total copies", opts, func(q sqlx.ExtContext) error {
		item, err := r.findByID(ctx, q, id, true)
		if err != nil {
			return err
		}
		item.TotalCopies = totalCopies
		item.UpdatedAt = r.store.now()

		query, args, err := r.store.toSQL("set total copies", r.store.dialect.Update("items").Prepared(true).
			Set(goqu.Record{
				"total_copies": item.TotalCopies,
				"updated_at":   loan.FormatTimestamp(item.UpdatedAt),
			}).
			Where(goqu.C("id").Eq(id)))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, storageError("set total copies", err)
	}
	return updated, nil
}
