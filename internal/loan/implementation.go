// internal/loan/implementation.go
package loan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"libralend/internal/auth"
)

const (
	opCreate     = "create"
	opUpdate     = "update"
	opDestroyAll = "destroy_all"
	opImport     = "import"
	opFind       = "find"
	opList       = "list"
)

// Dependencies are the collaborators of the loan service.
type Dependencies struct {
	Loans        LoanRepository
	Items        ItemRepository
	Transactions TransactionManager
	Settings     SettingsResolver
	Roles        auth.RoleAuthority
}

// Option configures the loan service.
type Option func(*service)

// WithLogger sets the logger used for transaction aborts.
func WithLogger(logger *zap.Logger) Option {
	return func(s *service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now, which supplies the issue date when the caller omits it.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMeterProvider sets where operation counts and durations are recorded. The
// global provider is used otherwise.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(s *service) {
		if provider != nil {
			s.meterProvider = provider
		}
	}
}

// service implements the Service interface.
type service struct {
	loans        LoanRepository
	transactions TransactionManager
	stock        *StockPolicy
	dueDates     *DueDatePolicy
	imports      *ImportDeduplicator
	scope        *AccessScopeFilter

	logger        *zap.Logger
	now           func() time.Time
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	operations    metric.Int64Counter
	durations     metric.Float64Histogram
}

// NewService creates a new loan service instance.
func NewService(deps Dependencies, opts ...Option) Service {
	roles := deps.Roles
	if roles == nil {
		roles = auth.StaticRoles{}
	}

	s := &service{
		loans:         deps.Loans,
		transactions:  deps.Transactions,
		stock:         NewStockPolicy(deps.Items),
		dueDates:      NewDueDatePolicy(deps.Settings),
		imports:       NewImportDeduplicator(deps.Loans),
		scope:         NewAccessScopeFilter(roles),
		logger:        zap.NewNop(),
		now:           time.Now,
		tracer:        otel.Tracer("libralend/loan"),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := s.meterProvider.Meter("libralend/loan")
	var err error
	s.operations, err = meter.Int64Counter("libralend.loan.operations",
		metric.WithDescription("Loan operations by outcome"))
	if err != nil {
		otel.Handle(err)
	}
	s.durations, err = meter.Float64Histogram("libralend.loan.operation.duration",
		metric.WithDescription("Duration of loan operations"),
		metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
	}

	return s
}

// Create gates on stock, derives the due date, then persists the loan and refreshes
// the item's stock in one transaction.
func (s *service) Create(ctx context.Context, user auth.User, input CreateInput) (loan *Loan, err error) {
	ctx, done := s.start(ctx, opCreate, attribute.String("item.id", input.ItemID.String()))
	defer func() { done(err) }()

	return s.create(ctx, user, input, "")
}

// Import creates an externally sourced loan at most once per import hash.
func (s *service) Import(ctx context.Context, user auth.User, input CreateInput, importHash string) (loan *Loan, err error) {
	ctx, done := s.start(ctx, opImport, attribute.String("item.id", input.ItemID.String()))
	defer func() { done(err) }()

	if err := s.imports.EnsureNotDuplicate(ctx, importHash, Options{Actor: user.ID}); err != nil {
		return nil, err
	}
	return s.create(ctx, user, input, importHash)
}

func (s *service) create(ctx context.Context, user auth.User, input CreateInput, importHash string) (*Loan, error) {
	available, err := s.stock.HasAvailableStock(ctx, input.ItemID, Options{Actor: user.ID})
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, NewValidationError(CodeBookOutOfStock)
	}

	issueDate := input.IssueDate
	if issueDate.IsZero() {
		issueDate = s.now()
	}
	dueDate, err := s.dueDates.DueDate(ctx, user, issueDate)
	if err != nil {
		return nil, err
	}

	record := Loan{
		ItemID:     input.ItemID,
		MemberID:   input.MemberID,
		IssueDate:  issueDate,
		DueDate:    dueDate,
		ImportHash: importHash,
	}

	var created *Loan
	err = s.inTransaction(ctx, user, opCreate, func(opts Options) error {
		var err error
		created, err = s.loans.Create(ctx, record, opts)
		if err != nil {
			return err
		}

		item, err := s.stock.RefreshStock(ctx, created.ItemID, opts)
		if err != nil {
			return err
		}
		created.Item = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// Update records a return. No other transition exists.
func (s *service) Update(ctx context.Context, user auth.User, id uuid.UUID, input UpdateInput) (loan *Loan, err error) {
	ctx, done := s.start(ctx, opUpdate, attribute.String("loan.id", id.String()))
	defer func() { done(err) }()

	if input.ReturnDate == nil {
		return nil, NewValidationError(CodeReturnDateRequired)
	}

	var updated *Loan
	err = s.inTransaction(ctx, user, opUpdate, func(opts Options) error {
		current, err := s.loans.FindByID(ctx, id, opts)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return NewValidationError(CodeLoanAlreadyClosed)
		}

		updated, err = s.loans.Update(ctx, id, input, opts)
		if err != nil {
			return err
		}

		item, err := s.stock.RefreshStock(ctx, updated.ItemID, opts)
		if err != nil {
			return err
		}
		updated.Item = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// DestroyAll deletes the loans in order within a single transaction. A failure on any
// id, including an id that does not resolve or repeats, discards the whole batch.
func (s *service) DestroyAll(ctx context.Context, user auth.User, ids []uuid.UUID) (err error) {
	ctx, done := s.start(ctx, opDestroyAll, attribute.Int("batch.size", len(ids)))
	defer func() { done(err) }()

	return s.inTransaction(ctx, user, opDestroyAll, func(opts Options) error {
		for _, id := range ids {
			record, err := s.loans.FindByID(ctx, id, opts)
			if err != nil {
				return err
			}
			if err := s.loans.Destroy(ctx, id, opts); err != nil {
				return err
			}
			if _, err := s.stock.RefreshStock(ctx, record.ItemID, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *service) FindByID(ctx context.Context, user auth.User, id uuid.UUID) (loan *Loan, err error) {
	ctx, done := s.start(ctx, opFind, attribute.String("loan.id", id.String()))
	defer func() { done(err) }()

	return s.loans.FindByID(ctx, id, Options{Actor: user.ID})
}

func (s *service) FindAllAutocomplete(ctx context.Context, user auth.User, search string, limit int) ([]Summary, error) {
	return s.loans.FindAllAutocomplete(ctx, search, limit, Options{Actor: user.ID})
}

// FindAndCountAll lists loans visible to user.
func (s *service) FindAndCountAll(ctx context.Context, user auth.User, query Query) (result *Result, err error) {
	ctx, done := s.start(ctx, opList, attribute.Bool("scope.restricted", s.scope.Restricted(user)))
	defer func() { done(err) }()

	filter := s.scope.Apply(user, query.Filter)
	rows, count, err := s.loans.FindAndCountAll(ctx, filter, query.Page, Options{Actor: user.ID})
	if err != nil {
		return nil, err
	}
	return &Result{Rows: rows, Count: count}, nil
}

// inTransaction runs fn inside a fresh session. Any failure, including a failed commit,
// aborts the session and returns the triggering error unchanged.
func (s *service) inTransaction(ctx context.Context, user auth.User, op string, fn func(opts Options) error) error {
	session, err := s.transactions.CreateSession(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.abort(ctx, session, op, errors.New("panic in transaction"))
			panic(r)
		}
	}()

	if err := fn(Options{Session: session, Actor: user.ID}); err != nil {
		s.abort(ctx, session, op, err)
		return err
	}

	if err := s.transactions.CommitTransaction(ctx, session); err != nil {
		s.abort(ctx, session, op, err)
		return err
	}
	return nil
}

func (s *service) abort(ctx context.Context, session Session, op string, cause error) {
	s.logger.Warn("aborting loan transaction",
		zap.String("operation", op),
		zap.String("session_id", session.SessionID().String()),
		zap.Error(cause))

	if err := s.transactions.AbortTransaction(context.WithoutCancel(ctx), session); err != nil {
		s.logger.Error("failed to abort loan transaction",
			zap.String("operation", op),
			zap.String("session_id", session.SessionID().String()),
			zap.Error(err))
	}
}

// start opens a span for op and returns the function that closes it and records metrics.
func (s *service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "loan."+op, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		outcome := outcomeOf(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()

		set := metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		)
		if s.operations != nil {
			s.operations.Add(ctx, 1, set)
		}
		if s.durations != nil {
			s.durations.Record(ctx, time.Since(begin).Seconds(), set)
		}
	}
}

func outcomeOf(err error) string {
	var verr *ValidationError
	var cerr *ConfigurationError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &verr):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &cerr):
		return "configuration_error"
	default:
		return "storage_error"
	}
}
