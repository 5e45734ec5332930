// internal/chaos/inject.go
package chaos

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"libralend/internal/loan"
)

// Operations that can be made to fail.
const (
	OpLoanFind      = "loan.find"
	OpLoanCreate    = "loan.create"
	OpLoanUpdate    = "loan.update"
	OpLoanDestroy   = "loan.destroy"
	OpLoanCount     = "loan.count"
	OpItemFind      = "item.find"
	OpItemRefresh   = "item.refresh_stock"
	OpCreateSession = "tx.create_session"
	OpCommit        = "tx.commit"
	OpAbort         = "tx.abort"
)

var ErrInjected = errors.New("injected fault")

// Fault fails the Nth call to Op counted from the moment it is injected.
// Nth == 0 fails every call.
type Fault struct {
	Op  string
	Nth int
	Err error
}

type armedFault struct {
	Fault
	seen int
}

// Injector decides which decorated calls fail.
type Injector struct {
	mu     sync.Mutex
	faults []*armedFault
	calls  map[string]int
}

func NewInjector() *Injector {
	return &Injector{calls: make(map[string]int)}
}

// Inject arms f.
func (in *Injector) Inject(f Fault) {
	if f.Err == nil {
		f.Err = ErrInjected
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.faults = append(in.faults, &armedFault{Fault: f})
}

// Reset disarms every fault and clears the call counters.
func (in *Injector) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.faults = nil
	in.calls = make(map[string]int)
}

// Calls returns how many times op was invoked through a decorator.
func (in *Injector) Calls(op string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.calls[op]
}

func (in *Injector) check(op string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.calls[op]++
	for _, f := range in.faults {
		if f.Op != op {
			continue
		}
		f.seen++
		if f.Nth == 0 || f.seen == f.Nth {
			return &loan.StorageError{Op: op, Err: f.Err}
		}
	}
	return nil
}

// WrapLoans decorates a loan repository with the injector.
func WrapLoans(next loan.LoanRepository, in *Injector) loan.LoanRepository {
	return &faultyLoans{next: next, in: in}
}

type faultyLoans struct {
	next loan.LoanRepository
	in   *Injector
}

func (f *faultyLoans) FindByID(ctx context.Context, id uuid.UUID, opts loan.Options) (*loan.Loan, error) {
	if err := f.in.check(OpLoanFind); err != nil {
		return nil, err
	}
	return f.next.FindByID(ctx, id, opts)
}

func (f *faultyLoans) FindAndCountAll(ctx context.Context, filter loan.Filter, page loan.Page, opts loan.Options) ([]loan.Loan, int, error) {
	return f.next.FindAndCountAll(ctx, filter, page, opts)
}

func (f *faultyLoans) FindAllAutocomplete(ctx context.Context, search string, limit int, opts loan.Options) ([]loan.Summary, error) {
	return f.next.FindAllAutocomplete(ctx, search, limit, opts)
}

func (f *faultyLoans) Create(ctx context.Context, record loan.Loan, opts loan.Options) (*loan.Loan, error) {
	if err := f.in.check(OpLoanCreate); err != nil {
		return nil, err
	}
	return f.next.Create(ctx, record, opts)
}

func (f *faultyLoans) Update(ctx context.Context, id uuid.UUID, input loan.UpdateInput, opts loan.Options) (*loan.Loan, error) {
	if err := f.in.check(OpLoanUpdate); err != nil {
		return nil, err
	}
	return f.next.Update(ctx, id, input, opts)
}

func (f *faultyLoans) Destroy(ctx context.Context, id uuid.UUID, opts loan.Options) error {
	if err := f.in.check(OpLoanDestroy); err != nil {
		return err
	}
	return f.next.Destroy(ctx, id, opts)
}

func (f *faultyLoans) Count(ctx context.Context, filter loan.Filter, opts loan.Options) (int, error) {
	if err := f.in.check(OpLoanCount); err != nil {
		return 0, err
	}
	return f.next.Count(ctx, filter, opts)
}

// WrapItems decorates an item repository with the injector.
func WrapItems(next loan.ItemRepository, in *Injector) loan.ItemRepository {
	return &faultyItems{next: next, in: in}
}

type faultyItems struct {
	next loan.ItemRepository
	in   *Injector
}

func (f *faultyItems) FindByID(ctx context.Context, id uuid.UUID, opts loan.Options) (*loan.Item, error) {
	if err := f.in.check(OpItemFind); err != nil {
		return nil, err
	}
	return f.next.FindByID(ctx, id, opts)
}

func (f *faultyItems) RefreshStock(ctx context.Context, id uuid.UUID, opts loan.Options) (*loan.Item, error) {
	if err := f.in.check(OpItemRefresh); err != nil {
		return nil, err
	}
	return f.next.RefreshStock(ctx, id, opts)
}

// WrapTransactions decorates a transaction manager with the injector. A failed commit
// leaves the session open so the caller's abort still releases it.
func WrapTransactions(next loan.TransactionManager, in *Injector) loan.TransactionManager {
	return &faultyTransactions{next: next, in: in}
}

type faultyTransactions struct {
	next loan.TransactionManager
	in   *Injector
}

func (f *faultyTransactions) CreateSession(ctx context.Context) (loan.Session, error) {
	if err := f.in.check(OpCreateSession); err != nil {
		return nil, err
	}
	return f.next.CreateSession(ctx)
}

func (f *faultyTransactions) CommitTransaction(ctx context.Context, session loan.Session) error {
	if err := f.in.check(OpCommit); err != nil {
		return err
	}
	return f.next.CommitTransaction(ctx, session)
}

func (f *faultyTransactions) AbortTransaction(ctx context.Context, session loan.Session) error {
	if err := f.in.check(OpAbort); err != nil {
		return err
	}
	return f.next.AbortTransaction(ctx, session)
}
