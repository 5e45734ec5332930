package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(Schema("sqlite3"))
	require.NoError(t, err)
	return db
}

type loanCreated struct {
	ItemID string `json:"item_id"`
}

func TestLog_AppendAndLoad(t *testing.T) {
	db := setupTestDB(t)
	log := NewLog("sqlite3")
	ctx := context.Background()

	aggregateID := uuid.New()
	actor := uuid.New()
	created, err := NewEvent("LoanCreated", actor, loanCreated{ItemID: "item-1"})
	require.NoError(t, err)
	closed, err := NewEvent("LoanClosed", actor, map[string]string{"return_date": "2025-01-10T00:00:00.000Z"})
	require.NoError(t, err)

	require.NoError(t, log.Append(ctx, db, aggregateID, "loan", 0, created))
	require.NoError(t, log.Append(ctx, db, aggregateID, "loan", 1, closed))

	events, err := log.Load(ctx, db, aggregateID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "LoanCreated", events[0].EventType)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, actor, events[0].ActorID)
	assert.Equal(t, "LoanClosed", events[1].EventType)
	assert.Equal(t, 2, events[1].Version)

	var payload loanCreated
	require.NoError(t, events[0].Decode(&payload))
	assert.Equal(t, "item-1", payload.ItemID)

	version, err := log.CurrentVersion(ctx, db, aggregateID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestLog_Append_ConcurrencyConflict(t *testing.T) {
	db := setupTestDB(t)
	log := NewLog("sqlite3")
	ctx := context.Background()
	aggregateID := uuid.New()

	event, err := NewEvent("LoanCreated", uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, db, aggregateID, "loan", 0, event))

	err = log.Append(ctx, db, aggregateID, "loan", 0, event)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	err = log.Append(ctx, db, aggregateID, "loan", -1, event)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestLog_Append_RolledBackWithTransaction(t *testing.T) {
	db := setupTestDB(t)
	log := NewLog("sqlite3")
	ctx := context.Background()
	aggregateID := uuid.New()

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	event, err := NewEvent("LoanCreated", uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, tx, aggregateID, "loan", 0, event))
	require.NoError(t, tx.Rollback())

	version, err := log.CurrentVersion(ctx, db, aggregateID)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestLog_Stream(t *testing.T) {
	db := setupTestDB(t)
	log := NewLog("sqlite3")
	ctx := context.Background()

	for range 3 {
		event, err := NewEvent("LoanCreated", uuid.New(), nil)
		require.NoError(t, err)
		require.NoError(t, log.Append(ctx, db, uuid.New(), "loan", 0, event))
	}

	first, err := log.Stream(ctx, db, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := log.Stream(ctx, db, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Greater(t, rest[0].ID, first[1].ID)
}
