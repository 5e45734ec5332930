package catalog_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/chaos"
	"libralend/internal/loan"
	"libralend/internal/storage/memory"
)

var librarian = auth.User{ID: uuid.New(), TenantID: uuid.New(), Roles: []string{auth.RoleLibrarian}}

func TestAddItem(t *testing.T) {
	store := memory.NewStore()
	svc := catalog.NewService(store.Items(), store, nil)

	item, err := svc.AddItem(context.Background(), librarian, catalog.AddItemInput{
		ISBN:        "978-0134190440",
		Title:       "The Go Programming Language",
		Author:      "Donovan, Kernighan",
		TotalCopies: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, item.Stock)

	found, err := svc.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Title, found.Title)

	_, err = svc.AddItem(context.Background(), librarian, catalog.AddItemInput{Title: " "})
	assert.True(t, loan.IsValidation(err, catalog.CodeTitleRequired))
	_, err = svc.AddItem(context.Background(), librarian, catalog.AddItemInput{Title: "x", TotalCopies: -1})
	assert.True(t, loan.IsValidation(err, catalog.CodeTotalCopiesNegative))

	_, err = svc.GetItem(context.Background(), uuid.New())
	assert.ErrorIs(t, err, loan.ErrNotFound)
}

func TestUpdateTotalCopies_RederivesStock(t *testing.T) {
	store := memory.NewStore()
	svc := catalog.NewService(store.Items(), store, nil)
	item, err := svc.AddItem(context.Background(), librarian, catalog.AddItemInput{Title: "SICP", TotalCopies: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := store.Loans().Create(context.Background(), loan.Loan{ItemID: item.ID, MemberID: uuid.New()}, loan.Options{})
		require.NoError(t, err)
	}

	updated, err := svc.UpdateTotalCopies(context.Background(), librarian, item.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Stock)

	updated, err = svc.UpdateTotalCopies(context.Background(), librarian, item.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Stock)

	_, err = svc.UpdateTotalCopies(context.Background(), librarian, uuid.New(), 1)
	assert.ErrorIs(t, err, loan.ErrNotFound)
}

func TestUpdateTotalCopies_AbortsOnCommitFailure(t *testing.T) {
	store := memory.NewStore()
	injector := chaos.NewInjector()
	svc := catalog.NewService(store.Items(), chaos.WrapTransactions(store, injector), nil)
	item, err := svc.AddItem(context.Background(), librarian, catalog.AddItemInput{Title: "TAOCP", TotalCopies: 2})
	require.NoError(t, err)

	injector.Inject(chaos.Fault{Op: chaos.OpCommit, Nth: 1})
	_, err = svc.UpdateTotalCopies(context.Background(), librarian, item.ID, 9)
	assert.ErrorIs(t, err, chaos.ErrInjected)

	found, err := svc.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, found.TotalCopies)
	assert.Equal(t, 1, injector.Calls(chaos.OpAbort))
}
