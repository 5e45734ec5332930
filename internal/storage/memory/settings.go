// internal/storage/memory/settings.go
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"libralend/internal/settings"
)

var _ settings.Repository = (*Settings)(nil)

// Settings implements settings.Repository. Settings are not transactional.
type Settings struct {
	store *Store
	mu    sync.Mutex
	rows  map[uuid.UUID]settings.Settings
}

func newSettings(store *Store) *Settings {
	return &Settings{store: store, rows: make(map[uuid.UUID]settings.Settings)}
}

func (r *Settings) FindByTenant(_ context.Context, tenantID uuid.UUID) (*settings.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rows[tenantID]
	if !ok {
		return nil, settings.ErrNotFound
	}
	return &s, nil
}

func (r *Settings) CreateIfAbsent(_ context.Context, s settings.Settings) (*settings.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rows[s.TenantID]; ok {
		return &existing, nil
	}
	r.rows[s.TenantID] = s
	return &s, nil
}

func (r *Settings) Update(_ context.Context, s settings.Settings) (*settings.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.rows[s.TenantID]
	if !ok {
		return nil, settings.ErrNotFound
	}
	existing.LoanPeriodDays = s.LoanPeriodDays
	existing.UpdatedAt = r.store.nowFn()
	r.rows[s.TenantID] = existing
	return &existing, nil
}
