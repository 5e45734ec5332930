package main

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/loan"
	"libralend/internal/settings"
	"libralend/internal/storage/memory"
)

func TestSetupTelemetry_ExportsLoanMetrics(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()

	tel, err := setupTelemetry(ctx, "", registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	store := memory.NewStore()
	resolver, err := settings.NewResolver(store.Settings(), 14, 8, nil)
	require.NoError(t, err)
	loans := loan.NewService(loan.Dependencies{
		Loans:        store.Loans(),
		Items:        store.Items(),
		Transactions: store,
		Settings:     resolver,
	}, loan.WithMeterProvider(tel.meterProvider))

	user := auth.User{ID: uuid.New(), TenantID: uuid.New(), Roles: []string{auth.RoleLibrarian}}
	item, err := catalog.NewService(store.Items(), store, nil).AddItem(ctx, user, catalog.AddItemInput{Title: "Go in Action", TotalCopies: 2})
	require.NoError(t, err)
	_, err = loans.Create(ctx, user, loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()})
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)

	var operations, durations bool
	for _, mf := range families {
		name := strings.ReplaceAll(mf.GetName(), ".", "_")
		switch {
		case strings.HasPrefix(name, "libralend_loan_operations"):
			operations = true
			require.NotEmpty(t, mf.GetMetric())
			labels := make(map[string]string)
			for _, lp := range mf.GetMetric()[0].GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			assert.Equal(t, "create", labels["operation"])
			assert.Equal(t, "success", labels["outcome"])
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		case strings.HasPrefix(name, "libralend_loan_operation_duration"):
			durations = true
		}
	}
	assert.True(t, operations, "operations counter missing from registry")
	assert.True(t, durations, "duration histogram missing from registry")
}
