// internal/loan/repository.go
package loan

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/auth"
	"libralend/internal/settings"
)

// Session is an open storage transaction. Stores only accept sessions they created.
type Session interface {
	SessionID() uuid.UUID
}

// Options accompanies every repository call. A nil Session runs outside any
// transaction; Actor is recorded for audit attribution.
type Options struct {
	Session Session
	Actor   uuid.UUID
}

// LoanRepository persists loans.
type LoanRepository interface {
	FindByID(ctx context.Context, id uuid.UUID, opts Options) (*Loan, error)
	FindAndCountAll(ctx context.Context, filter Filter, page Page, opts Options) ([]Loan, int, error)
	FindAllAutocomplete(ctx context.Context, search string, limit int, opts Options) ([]Summary, error)
	Create(ctx context.Context, loan Loan, opts Options) (*Loan, error)
	Update(ctx context.Context, id uuid.UUID, input UpdateInput, opts Options) (*Loan, error)
	Destroy(ctx context.Context, id uuid.UUID, opts Options) error
	Count(ctx context.Context, filter Filter, opts Options) (int, error)
}

// ItemRepository reads items and re-derives their stock.
type ItemRepository interface {
	FindByID(ctx context.Context, id uuid.UUID, opts Options) (*Item, error)
	// RefreshStock recomputes Stock from the open loans visible to opts.Session and persists it.
	RefreshStock(ctx context.Context, id uuid.UUID, opts Options) (*Item, error)
}

// TransactionManager opens and terminates sessions.
type TransactionManager interface {
	CreateSession(ctx context.Context) (Session, error)
	CommitTransaction(ctx context.Context, session Session) error
	AbortTransaction(ctx context.Context, session Session) error
}

// SettingsResolver resolves the lending policy of the caller's tenant.
type SettingsResolver interface {
	FindOrCreateDefault(ctx context.Context, user auth.User) (settings.Settings, error)
}
