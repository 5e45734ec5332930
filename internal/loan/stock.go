// internal/loan/stock.go
package loan

import (
	"context"

	"github.com/google/uuid"
)

// DeriveStock is the single definition of availability: total copies minus open
// loans, never below zero.
func DeriveStock(totalCopies, openLoans int) int {
	if stock := totalCopies - openLoans; stock > 0 {
		return stock
	}
	return 0
}

// StockPolicy gates loan creation on availability and keeps Item.Stock derived.
type StockPolicy struct {
	items ItemRepository
}

func NewStockPolicy(items ItemRepository) *StockPolicy {
	return &StockPolicy{items: items}
}

// HasAvailableStock reports whether at least one copy of the item is on the shelf.
func (p *StockPolicy) HasAvailableStock(ctx context.Context, itemID uuid.UUID, opts Options) (bool, error) {
	item, err := p.items.FindByID(ctx, itemID, opts)
	if err != nil {
		return false, err
	}
	return item.Stock > 0, nil
}

// RefreshStock re-derives the item's stock inside opts.Session.
func (p *StockPolicy) RefreshStock(ctx context.Context, itemID uuid.UUID, opts Options) (*Item, error) {
	return p.items.RefreshStock(ctx, itemID, opts)
}
