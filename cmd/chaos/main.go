// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/chaos"
	"libralend/internal/loan"
	"libralend/internal/settings"
	"libralend/internal/storage/memory"
	"libralend/internal/storage/sqlstore"
)

// backend is a store the game day can run against.
type backend interface {
	loan.TransactionManager
	chaos.StockAuditor
}

func main() {
	storage := flag.String("storage", "sqlite", "backend to exercise: memory or sqlite")
	dsn := flag.String("dsn", "", "sqlite DSN (default: a fresh database in a temp dir)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	held, err := run(context.Background(), *storage, *dsn, logger)
	if err != nil {
		logger.Fatal("chaos game day failed", zap.Error(err))
	}
	if !held {
		logger.Error("stock consistency hypothesis broken")
		os.Exit(1)
	}
}

func run(ctx context.Context, storage, dsn string, logger *zap.Logger) (bool, error) {
	var (
		store      backend
		loanRepo   loan.LoanRepository
		items      catalog.Repository
		settingsDB settings.Repository
	)

	switch storage {
	case "memory":
		mem := memory.NewStore()
		store, loanRepo, items, settingsDB = mem, mem.Loans(), mem.Items(), mem.Settings()
	case "sqlite":
		if dsn == "" {
			dir, err := os.MkdirTemp("", "libralend-chaos")
			if err != nil {
				return false, err
			}
			defer os.RemoveAll(dir)
			dsn = "file:" + filepath.Join(dir, "chaos.db")
		}
		db, err := sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: dsn}, logger.Named("sqlstore"))
		if err != nil {
			return false, err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return false, err
		}
		store, loanRepo, items, settingsDB = db, db.Loans(), db.Items(), db.Settings()
	default:
		return false, fmt.Errorf("unknown storage %q", storage)
	}

	resolver, err := settings.NewResolver(settingsDB, settings.DefaultLoanPeriodDays, 0, logger)
	if err != nil {
		return false, err
	}

	injector := chaos.NewInjector()
	target := chaos.Target{
		Loans: loan.NewService(loan.Dependencies{
			Loans:        chaos.WrapLoans(loanRepo, injector),
			Items:        chaos.WrapItems(items, injector),
			Transactions: chaos.WrapTransactions(store, injector),
			Settings:     resolver,
		}, loan.WithLogger(logger.Named("loan"))),
		Catalog:  catalog.NewService(items, store, logger.Named("catalog")),
		Auditor:  store,
		Injector: injector,
		User: auth.User{
			ID:       uuid.New(),
			TenantID: uuid.New(),
			Roles:    []string{auth.RoleLibrarian},
		},
	}

	engine := chaos.NewEngine(logger.Named("chaos"))
	engine.Register(chaos.StockConsistencyExperiments(target)...)

	held, err := engine.RunAll(ctx)
	if err != nil {
		return false, err
	}

	out := jsoniter.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(engine.Results()); err != nil {
		return false, err
	}
	return held, nil
}
