// cmd/importer/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"libralend/internal/auth"
	"libralend/internal/clients"
	"libralend/internal/importer"
)

func main() {
	var (
		file     = flag.String("file", "", "CSV file with item_id,member_id,issue_date columns (default stdin)")
		baseURL  = flag.String("url", "http://localhost:8080", "lending API base URL")
		userID   = flag.String("user", "", "acting user id")
		tenantID = flag.String("tenant", "", "tenant id")
		roles    = flag.String("roles", auth.RoleLibrarian, "comma separated roles of the acting user")
		perMin   = flag.Int("rate", 600, "rows per minute, 0 for no client side pacing")
		burst    = flag.Int("burst", 20, "rows sent back to back before pacing starts")
		verbose  = flag.Bool("v", false, "log skipped duplicates")
	)
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	user := auth.User{Roles: strings.Split(*roles, ",")}
	if user.ID, err = uuid.Parse(*userID); err != nil {
		logger.Fatal("invalid -user", zap.Error(err))
	}
	if user.TenantID, err = uuid.Parse(*tenantID); err != nil {
		logger.Fatal("invalid -tenant", zap.Error(err))
	}

	input := os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Fatal("open input", zap.Error(err))
		}
		defer f.Close()
		input = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	im := importer.New(clients.NewLendingClient(*baseURL, user), logger,
		importer.WithRateLimit(rate.Limit(float64(*perMin)/60), *burst))
	report, err := im.Run(ctx, input)
	if err != nil {
		logger.Error("import aborted", zap.Error(err))
	}
	_ = jsoniter.NewEncoder(os.Stdout).Encode(report)
	if err != nil || report.Failed > 0 {
		stop()
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
