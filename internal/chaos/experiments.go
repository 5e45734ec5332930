// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/loan"
)

// StockAuditor measures how far stored stock deviates from the stock derived from open loans.
type StockAuditor interface {
	StockDrift(ctx context.Context) (int, error)
}

// Target is the system under experiment. Loans must be built on repositories
// wrapped with Injector; Catalog must not be.
type Target struct {
	Loans    loan.Service
	Catalog  catalog.Service
	Auditor  StockAuditor
	Injector *Injector
	User     auth.User
}

// StockConsistencyExperiments returns the experiments that break loan transactions
// half way and check that no partial write survives.
func StockConsistencyExperiments(t Target) []Experiment {
	return []Experiment{
		DestroyBatchMidFailureExperiment(t),
		RefreshFailureOnCreateExperiment(t),
		CommitFailureOnCloseExperiment(t),
		ConcurrentCreateExperiment(t, 8),
	}
}

func stockDrift(t Target) Metric {
	return Metric{
		Name: "stock_drift",
		Query: func(ctx context.Context) (float64, error) {
			drift, err := t.Auditor.StockDrift(ctx)
			return float64(drift), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// fixture is the item and loans an experiment seeds in its first method step.
type fixture struct {
	item  uuid.UUID
	loans []uuid.UUID
}

func (f *fixture) seed(t Target, copies, loans int) Action {
	return Action{
		Type:   "seed",
		Target: "catalog",
		Execute: func(ctx context.Context) error {
			item, err := t.Catalog.AddItem(ctx, t.User, catalog.AddItemInput{
				Title:       "chaos-" + uuid.NewString()[:8],
				TotalCopies: copies,
			})
			if err != nil {
				return err
			}
			f.item = item.ID
			f.loans = nil
			for range loans {
				created, err := t.Loans.Create(ctx, t.User, loan.CreateInput{ItemID: item.ID, MemberID: t.User.ID})
				if err != nil {
					return err
				}
				f.loans = append(f.loans, created.ID)
			}
			return nil
		},
	}
}

func (f *fixture) openLoans(t Target) Metric {
	return Metric{
		Name: "open_loans",
		Query: func(ctx context.Context) (float64, error) {
			itemID := f.item
			result, err := t.Loans.FindAndCountAll(ctx, t.User, loan.Query{Filter: loan.Filter{ItemID: &itemID}})
			if err != nil {
				return 0, err
			}
			open := 0
			for _, l := range result.Rows {
				if l.IsOpen() {
					open++
				}
			}
			return float64(open), nil
		},
	}
}

func (f *fixture) itemStock(t Target) Metric {
	return Metric{
		Name: "item_stock",
		Query: func(ctx context.Context) (float64, error) {
			item, err := t.Catalog.GetItem(ctx, f.item)
			if err != nil {
				return 0, err
			}
			return float64(item.Stock), nil
		},
	}
}

func inject(t Target, f Fault) Action {
	return Action{
		Type:   "inject-fault",
		Target: f.Op,
		Execute: func(context.Context) error {
			t.Injector.Inject(f)
			return nil
		},
	}
}

func resetFaults(t Target) Action {
	return Action{
		Type:   "remove-faults",
		Target: "injector",
		Execute: func(context.Context) error {
			t.Injector.Reset()
			return nil
		},
	}
}

func equals(metric string, want float64, message string) Assertion {
	return Assertion{
		Metric:    metric,
		Condition: func(v float64) bool { return v == want },
		Message:   message,
	}
}

// expectFailure turns the outcome of a call that must fail into an action error, so
// that a call which unexpectedly succeeds surfaces as a failed assertion instead.
func expectFailure(outcome *float64, call func(ctx context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := call(ctx)
		if err == nil {
			*outcome = 0
			return nil
		}
		*outcome = 1
		return err
	}
}

func outcomeMetric(name string, outcome *float64) Metric {
	return Metric{
		Name:  name,
		Query: func(context.Context) (float64, error) { return *outcome, nil },
	}
}

// DestroyBatchMidFailureExperiment fails the second deletion of a two loan batch.
func DestroyBatchMidFailureExperiment(t Target) Experiment {
	f := &fixture{}
	var failed float64

	return Experiment{
		Name:        "destroy-batch-mid-failure",
		Hypothesis:  "A batch delete that fails part way leaves every loan and the stock untouched",
		SteadyState: []Metric{stockDrift(t)},
		Method: []Action{
			f.seed(t, 3, 2),
			inject(t, Fault{Op: OpLoanDestroy, Nth: 2}),
			{
				Type:   "destroy-batch",
				Target: "loan-service",
				Execute: expectFailure(&failed, func(ctx context.Context) error {
					return t.Loans.DestroyAll(ctx, t.User, f.loans)
				}),
			},
		},
		Probes:   []Metric{f.openLoans(t), f.itemStock(t), outcomeMetric("batch_failed", &failed)},
		Rollback: []Action{resetFaults(t)},
		Validation: []Assertion{
			equals("batch_failed", 1, "Batch delete should report the injected failure"),
			equals("open_loans", 2, "Both loans should survive the failed batch"),
			equals("item_stock", 1, "Stock should still account for both loans"),
			equals("stock_drift", 0, "Stored stock should match open loans"),
		},
	}
}

// RefreshFailureOnCreateExperiment fails the stock refresh that follows a loan insert.
func RefreshFailureOnCreateExperiment(t Target) Experiment {
	f := &fixture{}
	var failed float64

	return Experiment{
		Name:        "refresh-failure-on-create",
		Hypothesis:  "A loan whose stock refresh fails is never persisted",
		SteadyState: []Metric{stockDrift(t)},
		Method: []Action{
			f.seed(t, 1, 0),
			inject(t, Fault{Op: OpItemRefresh, Nth: 1}),
			{
				Type:   "create-loan",
				Target: "loan-service",
				Execute: expectFailure(&failed, func(ctx context.Context) error {
					_, err := t.Loans.Create(ctx, t.User, loan.CreateInput{ItemID: f.item, MemberID: t.User.ID})
					return err
				}),
			},
		},
		Probes:   []Metric{f.openLoans(t), f.itemStock(t), outcomeMetric("create_failed", &failed)},
		Rollback: []Action{resetFaults(t)},
		Validation: []Assertion{
			equals("create_failed", 1, "Create should report the injected failure"),
			equals("open_loans", 0, "No loan should be persisted"),
			equals("item_stock", 1, "The only copy should remain on the shelf"),
			equals("stock_drift", 0, "Stored stock should match open loans"),
		},
	}
}

// CommitFailureOnCloseExperiment fails the commit of a return.
func CommitFailureOnCloseExperiment(t Target) Experiment {
	f := &fixture{}
	var failed float64

	return Experiment{
		Name:        "commit-failure-on-close",
		Hypothesis:  "A return whose commit fails leaves the loan open and the copy lent out",
		SteadyState: []Metric{stockDrift(t)},
		Method: []Action{
			f.seed(t, 1, 1),
			inject(t, Fault{Op: OpCommit, Nth: 1}),
			{
				Type:   "close-loan",
				Target: "loan-service",
				Execute: expectFailure(&failed, func(ctx context.Context) error {
					returned := time.Now().UTC()
					_, err := t.Loans.Update(ctx, t.User, f.loans[0], loan.UpdateInput{ReturnDate: &returned})
					return err
				}),
			},
		},
		Probes:   []Metric{f.openLoans(t), f.itemStock(t), outcomeMetric("close_failed", &failed)},
		Rollback: []Action{resetFaults(t)},
		Validation: []Assertion{
			equals("close_failed", 1, "Close should report the injected commit failure"),
			equals("open_loans", 1, "The loan should still be open"),
			equals("item_stock", 0, "The copy should still be lent out"),
			equals("stock_drift", 0, "Stored stock should match open loans"),
		},
	}
}

// ConcurrentCreateExperiment races borrowers for a single copy. The stock gate runs
// outside the transaction, so more than one loan may be granted; stored stock must
// still agree with whatever was committed.
func ConcurrentCreateExperiment(t Target, borrowers int) Experiment {
	f := &fixture{}

	return Experiment{
		Name:        "concurrent-create-single-copy",
		Hypothesis:  "Racing loans on one copy never leave stock out of step with open loans",
		SteadyState: []Metric{stockDrift(t)},
		Method: []Action{
			f.seed(t, 1, 0),
			{
				Type:   "concurrent-create",
				Target: "loan-service",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					errs := make(chan error, borrowers)
					for range borrowers {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := t.Loans.Create(ctx, t.User, loan.CreateInput{ItemID: f.item, MemberID: uuid.New()})
							if err != nil && !loan.IsValidation(err, loan.CodeBookOutOfStock) {
								errs <- err
							}
						}()
					}
					wg.Wait()
					close(errs)

					var joined []error
					for err := range errs {
						joined = append(joined, err)
					}
					return errors.Join(joined...)
				},
			},
		},
		Probes: []Metric{f.openLoans(t), f.itemStock(t)},
		Validation: []Assertion{
			equals("stock_drift", 0, "Stored stock should match open loans"),
			{
				Metric:    "open_loans",
				Condition: func(v float64) bool { return v >= 1 },
				Message:   "At least one borrower should get the copy",
			},
			{
				Metric:    "item_stock",
				Condition: func(v float64) bool { return v >= 0 },
				Message:   "Stock should never be negative",
			},
		},
	}
}
