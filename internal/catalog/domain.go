// internal/catalog/domain.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/loan"
)

// Validation codes for item administration.
const (
	CodeTitleRequired       = "entities.item.validation.titleRequired"
	CodeTotalCopiesNegative = "entities.item.validation.totalCopiesNegative"
)

// AddItemInput describes a new catalog entry.
type AddItemInput struct {
	ISBN        string `json:"isbn"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	TotalCopies int    `json:"total_copies"`
}

// Repository writes items. Reads and stock refreshes go through loan.ItemRepository.
type Repository interface {
	loan.ItemRepository
	Create(ctx context.Context, item loan.Item, opts loan.Options) (*loan.Item, error)
	SetTotalCopies(ctx context.Context, id uuid.UUID, totalCopies int, opts loan.Options) (*loan.Item, error)
}
