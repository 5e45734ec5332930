package sqlstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/chaos"
	"libralend/internal/loan"
	"libralend/internal/storage/sqlstore"
)

// setupPostgres connects to LIBRALEND_POSTGRES_DSN and skips the test when it is unset
// or unreachable.
func setupPostgres(t *testing.T, driver string) *sqlstore.Store {
	t.Helper()

	dsn := os.Getenv("LIBRALEND_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIBRALEND_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:    driver,
		DSN:       dsn,
		Isolation: "read_committed",
	}, nil)
	if err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestPostgres_LoanLifecycle(t *testing.T) {
	for _, driver := range []string{sqlstore.DriverPostgres, sqlstore.DriverPgx} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			store := setupPostgres(t, driver)
			svc := newService(t, store)
			item := addItem(t, store, 1)

			hash := "pg-" + uuid.NewString()
			created, err := svc.Import(ctx, librarian, loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()}, hash)
			require.NoError(t, err)
			assert.Equal(t, 0, created.Item.Stock)

			_, err = store.Loans().Create(ctx, loan.Loan{ItemID: item.ID, MemberID: uuid.New(), ImportHash: hash}, loan.Options{})
			assert.True(t, loan.IsValidation(err, loan.CodeImportHashExistent))

			returned := time.Now().UTC()
			updated, err := svc.Update(ctx, librarian, created.ID, loan.UpdateInput{ReturnDate: &returned})
			require.NoError(t, err)
			assert.Equal(t, 1, updated.Item.Stock)

			history, err := store.LoanHistory(ctx, created.ID)
			require.NoError(t, err)
			assert.Len(t, history, 2)
		})
	}
}

func TestPostgres_DestroyAllIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t, sqlstore.DriverPgx)
	injector := chaos.NewInjector()
	svc := newService(t, store, func(d *loan.Dependencies) {
		d.Loans = chaos.WrapLoans(store.Loans(), injector)
	})
	item := addItem(t, store, 3)

	var ids []uuid.UUID
	for range 3 {
		created, err := svc.Create(ctx, librarian, loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()})
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	injector.Inject(chaos.Fault{Op: chaos.OpLoanDestroy, Nth: 2})
	require.Error(t, svc.DestroyAll(ctx, librarian, ids))

	for _, id := range ids {
		_, err := store.Loans().FindByID(ctx, id, loan.Options{})
		assert.NoError(t, err)
	}
	found, err := store.Items().FindByID(ctx, item.ID, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, found.Stock)
}
