// internal/storage/sqlstore/store.go

// Package sqlstore persists loans, items, settings and their audit trail in PostgreSQL
// or SQLite. One session is one database transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"libralend/internal/audit"
	"libralend/internal/loan"
	"libralend/internal/storage/sqlerr"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

var (
	ErrSessionClosed     = errors.New("session already closed")
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
)

var (
	_ loan.TransactionManager = (*Store)(nil)
	_ loan.LoanRepository     = (*Loans)(nil)
	_ loan.ItemRepository     = (*Items)(nil)
)

// Config selects and tunes the database.
type Config struct {
	Driver       string
	DSN          string
	Isolation    string
	MaxOpenConns int
}

type session struct {
	id   uuid.UUID
	tx   *sqlx.Tx
	done bool
}

func (s *session) SessionID() uuid.UUID { return s.id }

// Store implements loan.TransactionManager over a *sqlx.DB.
type Store struct {
	db          *sqlx.DB
	driver      string
	dialectName string
	dialect     goqu.DialectWrapper
	isolation   sql.IsolationLevel
	audit       *audit.Log
	tracer      trace.Tracer
	logger      *zap.Logger
	nowFn       func() time.Time

	loans    *Loans
	items    *Items
	settings *Settings
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	dialect, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	isolation, err := isolationLevel(cfg.Isolation)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// A single connection serializes SQLite transactions instead of failing them with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		isolation = sql.LevelDefault
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	return New(db, dialect, isolation, logger), nil
}

// New wraps an open database. dialect is the goqu dialect name ("postgres" or "sqlite3").
func New(db *sqlx.DB, dialect string, isolation sql.IsolationLevel, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:          db,
		driver:      db.DriverName(),
		dialectName: dialect,
		dialect:     goqu.Dialect(dialect),
		isolation:   isolation,
		audit:       audit.NewLog(dialect),
		tracer:      otel.Tracer("libralend/sqlstore"),
		logger:      logger,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	s.loans = &Loans{store: s}
	s.items = &Items{store: s}
	s.settings = &Settings{store: s}
	return s
}

func dialectFor(driver string) (string, error) {
	switch driver {
	case DriverPostgres, DriverPgx:
		return "postgres", nil
	case DriverSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

func isolationLevel(name string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return sql.LevelDefault, nil
	case "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", name)
	}
}

func (s *Store) Loans() *Loans       { return s.loans }
func (s *Store) Items() *Items       { return s.items }
func (s *Store) Settings() *Settings { return s.settings }
func (s *Store) DB() *sqlx.DB        { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the clock used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// CreateSession begins a transaction.
func (s *Store) CreateSession(ctx context.Context) (loan.Session, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.begin")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return nil, &loan.StorageError{Op: "begin transaction", Err: err}
	}

	sess := &session{id: uuid.New(), tx: tx}
	span.SetAttributes(attribute.String("session.id", sess.id.String()))
	return sess, nil
}

// CommitTransaction commits the session's transaction.
func (s *Store) CommitTransaction(ctx context.Context, sess loan.Session) error {
	_, span := s.tracer.Start(ctx, "sqlstore.commit",
		trace.WithAttributes(attribute.String("session.id", sess.SessionID().String())))
	defer span.End()

	ss, err := own(sess)
	if err != nil {
		return &loan.StorageError{Op: "commit", Err: err}
	}
	if err := ss.tx.Commit(); err != nil {
		span.RecordError(err)
		return &loan.StorageError{Op: "commit", Err: err}
	}
	ss.done = true
	return nil
}

// AbortTransaction rolls the session back. Aborting a finished session is a no-op.
func (s *Store) AbortTransaction(ctx context.Context, sess loan.Session) error {
	_, span := s.tracer.Start(ctx, "sqlstore.rollback",
		trace.WithAttributes(attribute.String("session.id", sess.SessionID().String())))
	defer span.End()

	ss, ok := sess.(*session)
	if !ok {
		return &loan.StorageError{Op: "abort", Err: loan.ErrForeignSession}
	}
	if ss.done {
		return nil
	}
	ss.done = true
	if err := ss.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &loan.StorageError{Op: "abort", Err: err}
	}
	return nil
}

func own(sess loan.Session) (*session, error) {
	ss, ok := sess.(*session)
	if !ok {
		return nil, loan.ErrForeignSession
	}
	if ss.done {
		return nil, ErrSessionClosed
	}
	return ss, nil
}

// conn returns the session's transaction, or the database when opts carries no session.
func (s *Store) conn(opts loan.Options) (sqlx.ExtContext, error) {
	if opts.Session == nil {
		return s.db, nil
	}
	ss, err := own(opts.Session)
	if err != nil {
		return nil, err
	}
	return ss.tx, nil
}

// write runs fn on the session's transaction. Without a session fn gets a transaction
// of its own that commits when fn succeeds.
func (s *Store) write(ctx context.Context, op string, opts loan.Options, fn func(q sqlx.ExtContext) error) error {
	if opts.Session != nil {
		q, err := s.conn(opts)
		if err != nil {
			return &loan.StorageError{Op: op, Err: err}
		}
		return fn(q)
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return &loan.StorageError{Op: op, Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &loan.StorageError{Op: op, Err: err}
	}
	return nil
}

// storageError wraps driver errors. Domain errors pass through unchanged.
func storageError(op string, err error) error {
	var verr *loan.ValidationError
	var serr *loan.StorageError
	if errors.As(err, &verr) || errors.Is(err, loan.ErrNotFound) || errors.As(err, &serr) {
		return err
	}
	if sqlerr.IsSerializationFailure(err) {
		return &loan.StorageError{Op: op, Err: fmt.Errorf("concurrent transaction: %w", err)}
	}
	return &loan.StorageError{Op: op, Err: err}
}

func (s *Store) toSQL(op string, ds interface {
	ToSQL() (string, []interface{}, error)
}) (string, []any, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return "", nil, &loan.StorageError{Op: op, Err: fmt.Errorf("build query: %w", err)}
	}
	return query, args, nil
}

// StockDrift sums, over all items, the distance between the stored stock and the
// stock derived from open loans. A consistent store reports zero.
func (s *Store) StockDrift(ctx context.Context) (int, error) {
	query, args, err := s.toSQL("stock drift", s.dialect.From("items").Prepared(true).
		Select(
			goqu.I("items.total_copies").As("total_copies"),
			goqu.I("items.stock").As("stock"),
			goqu.COUNT(goqu.I("loans.id")).As("open_loans"),
		).
		LeftJoin(goqu.T("loans"), goqu.On(
			goqu.I("loans.item_id").Eq(goqu.I("items.id")),
			goqu.I("loans.return_date").IsNull(),
		)).
		GroupBy(goqu.I("items.id"), goqu.I("items.total_copies"), goqu.I("items.stock")))
	if err != nil {
		return 0, err
	}

	var rows []struct {
		TotalCopies int `db:"total_copies"`
		Stock       int `db:"stock"`
		OpenLoans   int `db:"open_loans"`
	}
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return 0, storageError("stock drift", err)
	}

	drift := 0
	for _, r := range rows {
		d := r.Stock - loan.DeriveStock(r.TotalCopies, r.OpenLoans)
		if d < 0 {
			d = -d
		}
		drift += d
	}
	return drift, nil
}

// LoanHistory returns the audit events of a loan, oldest first.
func (s *Store) LoanHistory(ctx context.Context, id uuid.UUID) ([]audit.Event, error) {
	events, err := s.audit.Load(ctx, s.db, id, 0)
	if err != nil {
		return nil, storageError("load history", err)
	}
	return events, nil
}

func (s *Store) appendEvent(ctx context.Context, q sqlx.ExtContext, aggregateType string, id uuid.UUID, eventType string, actor uuid.UUID, payload any) error {
	event, err := audit.NewEvent(eventType, actor, payload)
	if err != nil {
		return err
	}
	version, err := s.audit.CurrentVersion(ctx, q, id)
	if err != nil {
		return err
	}
	return s.audit.Append(ctx, q, id, aggregateType, version, event)
}

// ItemHistory returns the audit events of an item, oldest first.
func (s *Store) ItemHistory(ctx context.Context, id uuid.UUID) ([]audit.Event, error) {
	events, err := s.audit.Load(ctx, s.db, id, 0)
	if err != nil {
		return nil, storageError("load history", err)
	}
	return events, nil
}
