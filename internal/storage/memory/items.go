// internal/storage/memory/items.go
package memory

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/catalog"
	"libralend/internal/loan"
)

var _ catalog.Repository = (*Items)(nil)

// Items implements loan.ItemRepository and catalog.Repository.
type Items struct {
	store *Store
}

func (r *Items) FindByID(_ context.Context, id uuid.UUID, opts loan.Options) (*loan.Item, error) {
	var found loan.Item
	err := r.store.read(opts, func(st *state) error {
		item, ok := st.items[id]
		if !ok {
			return notFound("item", id)
		}
		found = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (r *Items) RefreshStock(ctx context.Context, id uuid.UUID, opts loan.Options) (*loan.Item, error) {
	var refreshed loan.Item
	err := r.store.write(ctx, opts, func(st *state) error {
		item, ok := st.items[id]
		if !ok {
			return notFound("item", id)
		}
		open := 0
		for _, l := range st.loans {
			if l.ItemID == id && l.IsOpen() {
				open++
			}
		}
		item.Stock = loan.DeriveStock(item.TotalCopies, open)
		item.UpdatedAt = r.store.nowFn()
		st.items[id] = item
		refreshed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

func (r *Items) Create(ctx context.Context, item loan.Item, opts loan.Options) (*loan.Item, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := r.store.nowFn()
	item.CreatedAt, item.UpdatedAt = now, now

	err := r.store.write(ctx, opts, func(st *state) error {
		st.items[item.ID] = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Items) SetTotalCopies(ctx context.Context, id uuid.UUID, totalCopies int, opts loan.Options) (*loan.Item, error) {
	var updated loan.Item
	err := r.store.write(ctx, opts, func(st *state) error {
		item, ok := st.items[id]
		if !ok {
			return notFound("item", id)
		}
		item.TotalCopies = totalCopies
		item.UpdatedAt = r.store.nowFn()
		st.items[id] = item
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
