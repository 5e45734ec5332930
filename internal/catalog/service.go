// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/auth"
	"libralend/internal/loan"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddItem(ctx context.Context, user auth.User, input AddItemInput) (*loan.Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*loan.Item, error)
	UpdateTotalCopies(ctx context.Context, user auth.User, id uuid.UUID, totalCopies int) (*loan.Item, error)
}
