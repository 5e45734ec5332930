// internal/storage/sqlstore/settings.go
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libralend/internal/loan"
	"libralend/internal/settings"
)

var _ settings.Repository = (*Settings)(nil)

type settingsRow struct {
	TenantID       uuid.UUID `db:"tenant_id"`
	LoanPeriodDays int       `db:"loan_period_days"`
	CreatedAt      string    `db:"created_at"`
	UpdatedAt      string    `db:"updated_at"`
}

func (r settingsRow) toSettings() (*settings.Settings, error) {
	createdAt, err := loan.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("settings %s created_at: %w", r.TenantID, err)
	}
	updatedAt, err := loan.ParseTimestamp(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("settings %s updated_at: %w", r.TenantID, err)
	}
	return &settings.Settings{
		TenantID:       r.TenantID,
		LoanPeriodDays: r.LoanPeriodDays,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

// Settings implements settings.Repository outside of any loan session.
type Settings struct {
	store *Store
}

func (r *Settings) FindByTenant(ctx context.Context, tenantID uuid.UUID) (*settings.Settings, error) {
	query, args, err := r.store.dialect.From("settings").Prepared(true).
		Select("tenant_id", "loan_period_days", "created_at", "updated_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build settings query: %w", err)
	}

	var row settingsRow
	if err := sqlx.GetContext(ctx, r.store.db, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, settings.ErrNotFound
		}
		return nil, fmt.Errorf("query settings: %w", err)
	}
	return row.toSettings()
}

// CreateIfAbsent inserts s unless another caller created the tenant's row first.
func (r *Settings) CreateIfAbsent(ctx context.Context, s settings.Settings) (*settings.Settings, error) {
	query, args, err := r.store.dialect.Insert("settings").Prepared(true).
		Rows(goqu.Record{
			"tenant_id":        s.TenantID,
			"loan_period_days": s.LoanPeriodDays,
			"created_at":       loan.FormatTimestamp(s.CreatedAt),
			"updated_at":       loan.FormatTimestamp(s.UpdatedAt),
		}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build settings insert: %w", err)
	}
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert settings: %w", err)
	}
	return r.FindByTenant(ctx, s.TenantID)
}

func (r *Settings) Update(ctx context.Context, s settings.Settings) (*settings.Settings, error) {
	query, args, err := r.store.dialect.Update("settings").Prepared(true).
		Set(goqu.Record{
			"loan_period_days": s.LoanPeriodDays,
			"updated_at":       loan.FormatTimestamp(r.store.now()),
		}).
		Where(goqu.C("tenant_id").Eq(s.TenantID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build settings update: %w", err)
	}

	res, err := r.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, settings.ErrNotFound
	}
	return r.FindByTenant(ctx, s.TenantID)
}
