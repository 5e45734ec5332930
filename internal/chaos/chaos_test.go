package chaos_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/chaos"
	"libralend/internal/loan"
	"libralend/internal/settings"
	"libralend/internal/storage/memory"
)

func newTarget(t *testing.T) chaos.Target {
	t.Helper()

	store := memory.NewStore()
	injector := chaos.NewInjector()
	resolver, err := settings.NewResolver(store.Settings(), 14, 8, nil)
	require.NoError(t, err)

	loans := loan.NewService(loan.Dependencies{
		Loans:        chaos.WrapLoans(store.Loans(), injector),
		Items:        chaos.WrapItems(store.Items(), injector),
		Transactions: chaos.WrapTransactions(store, injector),
		Settings:     resolver,
	})

	return chaos.Target{
		Loans:    loans,
		Catalog:  catalog.NewService(store.Items(), store, nil),
		Auditor:  store,
		Injector: injector,
		User: auth.User{
			ID:       uuid.New(),
			TenantID: uuid.New(),
			Roles:    []string{auth.RoleLibrarian},
		},
	}
}

func TestStockConsistencyExperiments(t *testing.T) {
	target := newTarget(t)
	engine := chaos.NewEngine(nil)

	for _, exp := range chaos.StockConsistencyExperiments(target) {
		t.Run(exp.Name, func(t *testing.T) {
			result, err := engine.Run(context.Background(), exp)
			require.NoError(t, err)

			assert.True(t, result.SteadyStateValid)
			assert.Empty(t, result.FailedAssertions)
			assert.Empty(t, result.Violations)
			assert.True(t, result.HypothesisHeld)
		})
	}

	assert.Len(t, engine.Results(), 4)
}

func TestEngine_RunAll(t *testing.T) {
	target := newTarget(t)
	engine := chaos.NewEngine(nil)
	engine.Register(chaos.StockConsistencyExperiments(target)...)

	held, err := engine.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, held)
}

func TestEngine_Run_AbortsOnInvalidSteadyState(t *testing.T) {
	engine := chaos.NewEngine(nil)
	executed := false

	result, err := engine.Run(context.Background(), chaos.Experiment{
		Name: "broken-baseline",
		SteadyState: []chaos.Metric{{
			Name:      "errors",
			Query:     func(context.Context) (float64, error) { return 3, nil },
			Threshold: chaos.Threshold{Operator: "<", Value: 1},
		}},
		Method: []chaos.Action{{
			Type:    "noop",
			Execute: func(context.Context) error { executed = true; return nil },
		}},
	})

	require.ErrorIs(t, err, chaos.ErrSteadyStateInvalid)
	assert.False(t, executed)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, 3.0, result.Violations[0].Actual)
}

func TestEngine_Run_FailedAssertion(t *testing.T) {
	engine := chaos.NewEngine(nil)
	rolledBack := false

	result, err := engine.Run(context.Background(), chaos.Experiment{
		Name: "failing-hypothesis",
		Method: []chaos.Action{{
			Type:    "fail",
			Target:  "component",
			Execute: func(context.Context) error { return errors.New("boom") },
		}},
		Probes: []chaos.Metric{{
			Name:  "value",
			Query: func(context.Context) (float64, error) { return 2, nil },
		}},
		Rollback: []chaos.Action{{
			Execute: func(context.Context) error { rolledBack = true; return nil },
		}},
		Validation: []chaos.Assertion{{
			Metric:    "value",
			Condition: func(v float64) bool { return v == 1 },
			Message:   "value should be one",
		}},
	})

	require.NoError(t, err)
	assert.True(t, rolledBack)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"value should be one"}, result.FailedAssertions)
	require.Len(t, result.ErrorEvents, 1)
	assert.Equal(t, "component", result.ErrorEvents[0].Component)
}

func TestInjector_NthCall(t *testing.T) {
	in := chaos.NewInjector()
	store := memory.NewStore()
	items := chaos.WrapItems(store.Items(), in)

	in.Inject(chaos.Fault{Op: chaos.OpItemFind, Nth: 2})

	_, err := items.FindByID(context.Background(), uuid.New(), loan.Options{})
	assert.ErrorIs(t, err, loan.ErrNotFound)

	_, err = items.FindByID(context.Background(), uuid.New(), loan.Options{})
	assert.ErrorIs(t, err, chaos.ErrInjected)
	assert.True(t, loan.Retryable(err))

	_, err = items.FindByID(context.Background(), uuid.New(), loan.Options{})
	assert.ErrorIs(t, err, loan.ErrNotFound)
	assert.Equal(t, 3, in.Calls(chaos.OpItemFind))

	in.Reset()
	assert.Zero(t, in.Calls(chaos.OpItemFind))
}
