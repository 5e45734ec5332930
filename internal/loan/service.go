// internal/loan/service.go
package loan

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/auth"
)

// Service defines the interface for the loan service.
type Service interface {
	Create(ctx context.Context, user auth.User, input CreateInput) (*Loan, error)
	Update(ctx context.Context, user auth.User, id uuid.UUID, input UpdateInput) (*Loan, error)
	DestroyAll(ctx context.Context, user auth.User, ids []uuid.UUID) error
	FindByID(ctx context.Context, user auth.User, id uuid.UUID) (*Loan, error)
	FindAllAutocomplete(ctx context.Context, user auth.User, search string, limit int) ([]Summary, error)
	FindAndCountAll(ctx context.Context, user auth.User, query Query) (*Result, error)
	Import(ctx context.Context, user auth.User, input CreateInput, importHash string) (*Loan, error)
}
