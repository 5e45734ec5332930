// internal/settings/settings.go
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"libralend/internal/auth"
)

const DefaultLoanPeriodDays = 14

var (
	ErrNotFound          = errors.New("settings not found")
	ErrInvalidLoanPeriod = errors.New("loan period must be a positive number of days")
)

// Settings holds the lending policy of one tenant.
type Settings struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	LoanPeriodDays int       `json:"loan_period_days"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Repository persists tenant settings.
type Repository interface {
	// FindByTenant returns ErrNotFound when the tenant has no row yet.
	FindByTenant(ctx context.Context, tenantID uuid.UUID) (*Settings, error)
	// CreateIfAbsent inserts s unless a row for the tenant exists, then returns the stored row.
	CreateIfAbsent(ctx context.Context, s Settings) (*Settings, error)
	Update(ctx context.Context, s Settings) (*Settings, error)
}

// Resolver implements find-or-create over a Repository with a small LRU in front of it.
type Resolver struct {
	repo        Repository
	defaultDays int
	cache       *lru.Cache[uuid.UUID, Settings]
	logger      *zap.Logger
}

// NewResolver creates a resolver. defaultDays <= 0 falls back to DefaultLoanPeriodDays.
func NewResolver(repo Repository, defaultDays, cacheSize int, logger *zap.Logger) (*Resolver, error) {
	if defaultDays <= 0 {
		defaultDays = DefaultLoanPeriodDays
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[uuid.UUID, Settings](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create settings cache: %w", err)
	}
	return &Resolver{repo: repo, defaultDays: defaultDays, cache: cache, logger: logger}, nil
}

// FindOrCreateDefault returns the caller's tenant settings, creating the default row on first use.
func (r *Resolver) FindOrCreateDefault(ctx context.Context, user auth.User) (Settings, error) {
	if s, ok := r.cache.Get(user.TenantID); ok {
		return s, nil
	}

	found, err := r.repo.FindByTenant(ctx, user.TenantID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		now := time.Now().UTC()
		found, err = r.repo.CreateIfAbsent(ctx, Settings{
			TenantID:       user.TenantID,
			LoanPeriodDays: r.defaultDays,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return Settings{}, fmt.Errorf("create default settings: %w", err)
		}
		r.logger.Info("created default lending settings",
			zap.String("tenant_id", user.TenantID.String()),
			zap.Int("loan_period_days", found.LoanPeriodDays))
	default:
		return Settings{}, fmt.Errorf("find settings: %w", err)
	}

	r.cache.Add(user.TenantID, *found)
	return *found, nil
}

// Save changes the loan period of the caller's tenant.
func (r *Resolver) Save(ctx context.Context, user auth.User, loanPeriodDays int) (Settings, error) {
	if loanPeriodDays <= 0 {
		return Settings{}, ErrInvalidLoanPeriod
	}
	if _, err := r.FindOrCreateDefault(ctx, user); err != nil {
		return Settings{}, err
	}

	updated, err := r.repo.Update(ctx, Settings{
		TenantID:       user.TenantID,
		LoanPeriodDays: loanPeriodDays,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		r.cache.Remove(user.TenantID)
		return Settings{}, fmt.Errorf("update settings: %w", err)
	}

	r.cache.Add(user.TenantID, *updated)
	return *updated, nil
}
