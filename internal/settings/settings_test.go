package settings

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/auth"
)

type fakeRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]Settings
	finds   int
	creates int
	findErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[uuid.UUID]Settings)}
}

func (f *fakeRepo) FindByTenant(_ context.Context, tenantID uuid.UUID) (*Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	s, ok := f.rows[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (f *fakeRepo) CreateIfAbsent(_ context.Context, s Settings) (*Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if existing, ok := f.rows[s.TenantID]; ok {
		return &existing, nil
	}
	f.rows[s.TenantID] = s
	return &s, nil
}

func (f *fakeRepo) Update(_ context.Context, s Settings) (*Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.rows[s.TenantID]
	if !ok {
		return nil, ErrNotFound
	}
	existing.LoanPeriodDays = s.LoanPeriodDays
	f.rows[s.TenantID] = existing
	return &existing, nil
}

func TestResolver_FindOrCreateDefault(t *testing.T) {
	repo := newFakeRepo()
	resolver, err := NewResolver(repo, 21, 4, nil)
	require.NoError(t, err)
	user := auth.User{ID: uuid.New(), TenantID: uuid.New()}

	s, err := resolver.FindOrCreateDefault(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 21, s.LoanPeriodDays)
	assert.Equal(t, user.TenantID, s.TenantID)
	assert.Equal(t, 1, repo.creates)

	_, err = resolver.FindOrCreateDefault(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.finds, "second lookup is served from the cache")
}

func TestResolver_DefaultPeriod(t *testing.T) {
	resolver, err := NewResolver(newFakeRepo(), 0, 0, nil)
	require.NoError(t, err)

	s, err := resolver.FindOrCreateDefault(context.Background(), auth.User{TenantID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, DefaultLoanPeriodDays, s.LoanPeriodDays)
}

func TestResolver_FindError(t *testing.T) {
	repo := newFakeRepo()
	repo.findErr = errors.New("connection refused")
	resolver, err := NewResolver(repo, 14, 4, nil)
	require.NoError(t, err)

	_, err = resolver.FindOrCreateDefault(context.Background(), auth.User{TenantID: uuid.New()})
	assert.ErrorIs(t, err, repo.findErr)
	assert.Zero(t, repo.creates)
}

func TestResolver_Save(t *testing.T) {
	repo := newFakeRepo()
	resolver, err := NewResolver(repo, 14, 4, nil)
	require.NoError(t, err)
	user := auth.User{TenantID: uuid.New()}

	_, err = resolver.Save(context.Background(), user, -3)
	assert.ErrorIs(t, err, ErrInvalidLoanPeriod)

	saved, err := resolver.Save(context.Background(), user, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, saved.LoanPeriodDays)

	s, err := resolver.FindOrCreateDefault(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 30, s.LoanPeriodDays)
}
