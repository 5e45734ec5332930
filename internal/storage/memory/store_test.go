package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/loan"
)

func seedItem(t *testing.T, s *Store, copies int) loan.Item {
	t.Helper()
	item, err := s.Items().Create(context.Background(), loan.Item{Title: "Dune", TotalCopies: copies, Stock: copies}, loan.Options{})
	require.NoError(t, err)
	return *item
}

func TestStore_SessionIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	item := seedItem(t, s, 2)

	sess, err := s.CreateSession(ctx)
	require.NoError(t, err)
	opts := loan.Options{Session: sess}

	created, err := s.Loans().Create(ctx, loan.Loan{ItemID: item.ID, MemberID: uuid.New()}, opts)
	require.NoError(t, err)
	refreshed, err := s.Items().RefreshStock(ctx, item.ID, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.Stock)

	_, err = s.Loans().FindByID(ctx, created.ID, loan.Options{})
	assert.ErrorIs(t, err, loan.ErrNotFound, "uncommitted loan is invisible outside the session")

	require.NoError(t, s.CommitTransaction(ctx, sess))
	_, err = s.Loans().FindByID(ctx, created.ID, loan.Options{})
	require.NoError(t, err)

	drift, err := s.StockDrift(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)
}

func TestStore_AbortDiscards(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	item := seedItem(t, s, 1)

	sess, err := s.CreateSession(ctx)
	require.NoError(t, err)
	_, err = s.Loans().Create(ctx, loan.Loan{ItemID: item.ID, MemberID: uuid.New()}, loan.Options{Session: sess})
	require.NoError(t, err)
	require.NoError(t, s.AbortTransaction(ctx, sess))
	require.NoError(t, s.AbortTransaction(ctx, sess), "second abort is a no-op")

	n, err := s.Loans().Count(ctx, loan.Filter{}, loan.Options{})
	require.NoError(t, err)
	assert.Zero(t, n)

	err = s.CommitTransaction(ctx, sess)
	var serr *loan.StorageError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

type foreignSession struct{}

func (foreignSession) SessionID() uuid.UUID { return uuid.Nil }

func TestStore_ForeignSession(t *testing.T) {
	s := NewStore()
	_, err := s.Loans().FindByID(context.Background(), uuid.New(), loan.Options{Session: foreignSession{}})
	assert.ErrorIs(t, err, loan.ErrForeignSession)
}

func TestStore_CreateSessionHonorsContext(t *testing.T) {
	s := NewStore()
	held, err := s.CreateSession(context.Background())
	require.NoError(t, err)
	defer func() { _ = s.AbortTransaction(context.Background(), held) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.CreateSession(ctx)
	assert.True(t, loan.Retryable(err))
}

func TestLoans_FilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return now })
	item := seedItem(t, s, 5)
	member := uuid.New()

	mk := func(issued time.Time, returned bool, hash string) loan.Loan {
		l := loan.Loan{ItemID: item.ID, MemberID: member, IssueDate: issued, DueDate: issued.AddDate(0, 0, 14), ImportHash: hash}
		if returned {
			rd := issued.AddDate(0, 0, 3)
			l.ReturnDate = &rd
		}
		created, err := s.Loans().Create(ctx, l, loan.Options{})
		require.NoError(t, err)
		return *created
	}
	overdue := mk(now.AddDate(0, 0, -30), false, "")
	open := mk(now.AddDate(0, 0, -1), false, "h1")
	closed := mk(now.AddDate(0, 0, -10), true, "")

	statusOf := func(status string) []uuid.UUID {
		rows, count, err := s.Loans().FindAndCountAll(ctx, loan.Filter{Status: status}, loan.Page{OrderBy: loan.OrderIssueDateAsc}, loan.Options{})
		require.NoError(t, err)
		require.Equal(t, count, len(rows))
		ids := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return ids
	}
	assert.Equal(t, []uuid.UUID{overdue.ID, open.ID}, statusOf(loan.StatusOpen))
	assert.Equal(t, []uuid.UUID{overdue.ID}, statusOf(loan.StatusOverdue))
	assert.Equal(t, []uuid.UUID{closed.ID}, statusOf(loan.StatusClosed))
	assert.Equal(t, []uuid.UUID{overdue.ID, closed.ID, open.ID}, statusOf(""))

	from := now.AddDate(0, 0, -15)
	rows, count, err := s.Loans().FindAndCountAll(ctx, loan.Filter{IssueDateRange: loan.TimeRange{From: &from}}, loan.Page{Limit: 1}, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, rows, 1)
	assert.Equal(t, open.ID, rows[0].ID)

	n, err := s.Loans().Count(ctx, loan.Filter{ImportHash: "h1"}, loan.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Loans().Create(ctx, loan.Loan{ItemID: item.ID, ImportHash: "h1"}, loan.Options{})
	assert.True(t, loan.IsValidation(err, loan.CodeImportHashExistent))
}

func TestLoans_DateRangeMillisecondPrecision(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	item := seedItem(t, s, 1)
	issued := time.Date(2024, 3, 1, 12, 0, 0, 400_123_000, time.UTC)
	_, err := s.Loans().Create(ctx, loan.Loan{ItemID: item.ID, MemberID: uuid.New(), IssueDate: issued, DueDate: issued}, loan.Options{})
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
			n, err := s.Loans().Count(ctx, loan.Filter{IssueDateRange: tc.r}, loan.Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}
