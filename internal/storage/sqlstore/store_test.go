package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/chaos"
	"libralend/internal/loan"
	"libralend/internal/settings"
	"libralend/internal/storage/sqlstore"
)

func setupStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "lending.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations must be idempotent")
	return store
}

func addItem(t *testing.T, store *sqlstore.Store, copies int) *loan.Item {
	t.Helper()
	item, err := store.Items().Create(context.Background(), loan.Item{
		Title:       "The Go Programming Language",
		TotalCopies: copies,
		Stock:       copies,
	}, loan.Options{})
	require.NoError(t, err)
	return item
}

var librarian = auth.User{
	ID:       uuid.New(),
	TenantID: uuid.New(),
	Roles:    []string{auth.RoleLibrarian},
}

func newService(t *testing.T, store *sqlstore.Store, deps ...func(*loan.Dependencies)) loan.Service {
	t.Helper()
	resolver, err := settings.NewResolver(store.Settings(), 14, 8, nil)
	require.NoError(t, err)

	d := loan.Dependencies{
		Loans:        store.Loans(),
		Items:        store.Items(),
		Transactions: store,
		Settings:     resolver,
	}
	for _, fn := range deps {
		fn(&d)
	}
	return loan.NewService(d)
}

func TestItems_CreateAndFind(t *testing.T) {
	store := setupStore(t)
	item := addItem(t, store, 3)

	found, err := store.Items().FindByID(context.Background(), item.ID, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, item.Title, found.Title)
	assert.Equal(t, 3, found.TotalCopies)
	assert.Equal(t, 3, found.Stock)

	_, err = store.Items().FindByID(context.Background(), uuid.New(), loan.Options{})
	assert.ErrorIs(t, err, loan.ErrNotFound)
}

func TestLoans_CreateFindAndFilter(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	item := addItem(t, store, 5)
	member := uuid.New()
	issue := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)

	first, err := store.Loans().Create(ctx, loan.Loan{
		ItemID: item.ID, MemberID: member, IssueDate: issue, DueDate: issue.AddDate(0, 0, 14),
	}, loan.Options{Actor: librarian.ID})
	require.NoError(t, err)
	_, err = store.Loans().Create(ctx, loan.Loan{
		ItemID: item.ID, MemberID: uuid.New(), IssueDate: issue.AddDate(0, 0, 1), DueDate: issue.AddDate(0, 0, 15),
	}, loan.Options{Actor: librarian.ID})
	require.NoError(t, err)

	found, err := store.Loans().FindByID(ctx, first.ID, loan.Options{})
	require.NoError(t, err)
	assert.True(t, found.IssueDate.Equal(issue))
	assert.True(t, found.DueDate.Equal(issue.AddDate(0, 0, 14)))
	assert.Equal(t, librarian.ID, found.CreatedBy)
	assert.Nil(t, found.ReturnDate)

	rows, count, err := store.Loans().FindAndCountAll(ctx, loan.Filter{MemberID: &member}, loan.Page{}, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID, rows[0].ID)

	from := issue.AddDate(0, 0, 1)
	rows, count, err = store.Loans().FindAndCountAll(ctx, loan.Filter{
		IssueDateRange: loan.TimeRange{From: &from},
	}, loan.Page{}, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, rows, 1)

	rows, count, err = store.Loans().FindAndCountAll(ctx, loan.Filter{}, loan.Page{Limit: 1, OrderBy: loan.OrderIssueDateAsc}, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID, rows[0].ID)

	summaries, err := store.Loans().FindAllAutocomplete(ctx, first.ID.String()[:8], 10, loan.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, summaries)
	assert.Equal(t, first.ID, summaries[0].ID)

	summaries, err = store.Loans().FindAllAutocomplete(ctx, "%' OR 1=1", 10, loan.Options{})
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestLoans_DateRangeMillisecondPrecision(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	item := addItem(t, store, 1)
	issued := time.Date(2024, 3, 1, 12, 0, 0, 400_123_000, time.UTC)
	_, err := store.Loans().Create(ctx, loan.Loan{ItemID: item.ID, MemberID: uuid.New(), IssueDate: issued, DueDate: issued}, loan.Options{})
	require.NoError(t, err)

	at := func(ms int) *time.Time {
		ts := time.Date(2024, 3, 1, 12, 0, 0, ms*int(time.Millisecond), time.UTC)
		return &ts
	}
	for name, tc := range map[string]struct {
		r    loan.TimeRange
		want int
	}{
		"from later in the same second":   {loan.TimeRange{From: at(700)}, 0},
		"to earlier in the same second":   {loan.TimeRange{To: at(300)}, 0},
		"from the same millisecond":       {loan.TimeRange{From: at(400)}, 1},
		"to the same millisecond":         {loan.TimeRange{To: at(400)}, 1},
		"window around the issue instant": {loan.TimeRange{From: at(399), To: at(401)}, 1},
	} {
		t.Run(name, func(t *testing.T) {
			n, err := store.Loans().Count(ctx, loan.Filter{IssueDateRange: tc.r}, loan.Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestLoans_Create_ImportHashUnique(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	item := addItem(t, store, 5)
	now := time.Now()

	record := loan.Loan{ItemID: item.ID, MemberID: uuid.New(), IssueDate: now, DueDate: now, ImportHash: "row-1"}
	_, err := store.Loans().Create(ctx, record, loan.Options{})
	require.NoError(t, err)

	_, err = store.Loans().Create(ctx, record, loan.Options{})
	assert.True(t, loan.IsValidation(err, loan.CodeImportHashExistent))

	count, err := store.Loans().Count(ctx, loan.Filter{ImportHash: "row-1"}, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	record.ImportHash = ""
	_, err = store.Loans().Create(ctx, record, loan.Options{})
	require.NoError(t, err)
	_, err = store.Loans().Create(ctx, record, loan.Options{})
	require.NoError(t, err, "loans without import hash never collide")
}

func TestStore_AbortDiscardsSessionWrites(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	item := addItem(t, store, 2)

	session, err := store.CreateSession(ctx)
	require.NoError(t, err)
	opts := loan.Options{Session: session, Actor: librarian.ID}

	created, err := store.Loans().Create(ctx, loan.Loan{
		ItemID: item.ID, MemberID: uuid.New(), IssueDate: time.Now(), DueDate: time.Now(),
	}, opts)
	require.NoError(t, err)

	refreshed, err := store.Items().RefreshStock(ctx, item.ID, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.Stock, "refresh sees the session's own writes")

	require.NoError(t, store.AbortTransaction(ctx, session))
	require.NoError(t, store.AbortTransaction(ctx, session), "abort is idempotent")

	_, err = store.Loans().FindByID(ctx, created.ID, loan.Options{})
	assert.ErrorIs(t, err, loan.ErrNotFound)

	found, err := store.Items().FindByID(ctx, item.ID, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, found.Stock)

	err = store.CommitTransaction(ctx, session)
	assert.ErrorIs(t, err, sqlstore.ErrSessionClosed)
}

func TestService_LifecycleAndHistory(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	service := newService(t, store)
	item := addItem(t, store, 1)

	created, err := service.Create(ctx, librarian, loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()})
	require.NoError(t, err)
	require.NotNil(t, created.Item)
	assert.Equal(t, 0, created.Item.Stock)
	assert.InDelta(t, 14*24, created.DueDate.Sub(created.IssueDate).Hours(), 1)

	_, err = service.Create(ctx, librarian, loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()})
	assert.True(t, loan.IsValidation(err, loan.CodeBookOutOfStock))

	returned := time.Now()
	closed, err := service.Update(ctx, librarian, created.ID, loan.UpdateInput{ReturnDate: &returned})
	require.NoError(t, err)
	require.NotNil(t, closed.ReturnDate)
	assert.Equal(t, 1, closed.Item.Stock)

	_, err = service.Update(ctx, librarian, created.ID, loan.UpdateInput{ReturnDate: &returned})
	assert.True(t, loan.IsValidation(err, loan.CodeLoanAlreadyClosed))

	require.NoError(t, service.DestroyAll(ctx, librarian, []uuid.UUID{created.ID}))

	history, err := store.LoanHistory(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, sqlstore.EventLoanCreated, history[0].EventType)
	assert.Equal(t, sqlstore.EventLoanClosed, history[1].EventType)
	assert.Equal(t, sqlstore.EventLoanDestroyed, history[2].EventType)
	assert.Equal(t, 3, history[2].Version)

	itemHistory, err := store.ItemHistory(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, itemHistory, 3, "one stock refresh per committed mutation")
	var last struct {
		Stock int `json:"stock"`
	}
	require.NoError(t, itemHistory[2].Decode(&last))
	assert.Equal(t, 1, last.Stock)

	drift, err := store.StockDrift(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)
}

func TestService_DestroyAllIsAtomic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	injector := chaos.NewInjector()
	service := newService(t, store, func(d *loan.Dependencies) {
		d.Loans = chaos.WrapLoans(store.Loans(), injector)
	})
	item := addItem(t, store, 3)

	var ids []uuid.UUID
	for range 2 {
		created, err := service.Create(ctx, librarian, loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()})
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	injector.Inject(chaos.Fault{Op: chaos.OpLoanDestroy, Nth: 2})
	err := service.DestroyAll(ctx, librarian, ids)
	require.ErrorIs(t, err, chaos.ErrInjected)

	for _, id := range ids {
		_, err := store.Loans().FindByID(ctx, id, loan.Options{})
		assert.NoError(t, err)
	}
	found, err := store.Items().FindByID(ctx, item.ID, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, found.Stock)

	history, err := store.LoanHistory(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, history, 1, "the aborted destroy leaves no audit event")
}

func TestService_Import(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	service := newService(t, store)
	item := addItem(t, store, 2)
	input := loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()}

	_, err := service.Import(ctx, librarian, input, "hash-1")
	require.NoError(t, err)

	_, err = service.Import(ctx, librarian, input, "hash-1")
	assert.True(t, loan.IsValidation(err, loan.CodeImportHashExistent))

	_, err = service.Import(ctx, librarian, input, "  ")
	assert.True(t, loan.IsValidation(err, loan.CodeImportHashRequired))

	found, err := store.Items().FindByID(ctx, item.ID, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, found.Stock)
}

func TestCatalog_UpdateTotalCopies(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	service := newService(t, store)
	items := catalog.NewService(store.Items(), store, nil)

	item, err := items.AddItem(ctx, librarian, catalog.AddItemInput{Title: "SICP", TotalCopies: 1})
	require.NoError(t, err)
	_, err = service.Create(ctx, librarian, loan.CreateInput{ItemID: item.ID, MemberID: uuid.New()})
	require.NoError(t, err)

	updated, err := items.UpdateTotalCopies(ctx, librarian, item.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.TotalCopies)
	assert.Equal(t, 3, updated.Stock)
}

func TestSettings_FindOrCreateDefault(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := store.Settings().FindByTenant(ctx, tenant)
	assert.ErrorIs(t, err, settings.ErrNotFound)

	now := time.Now().UTC()
	created, err := store.Settings().CreateIfAbsent(ctx, settings.Settings{TenantID: tenant, LoanPeriodDays: 21, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, 21, created.LoanPeriodDays)

	again, err := store.Settings().CreateIfAbsent(ctx, settings.Settings{TenantID: tenant, LoanPeriodDays: 7, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, 21, again.LoanPeriodDays, "an existing row wins")

	updated, err := store.Settings().Update(ctx, settings.Settings{TenantID: tenant, LoanPeriodDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 30, updated.LoanPeriodDays)

	_, err = store.Settings().Update(ctx, settings.Settings{TenantID: uuid.New(), LoanPeriodDays: 30})
	assert.ErrorIs(t, err, settings.ErrNotFound)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "oracle"}, nil)
	assert.ErrorIs(t, err, sqlstore.ErrUnsupportedDriver)
}
