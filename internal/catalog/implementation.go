// internal/catalog/implementation.go
package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"libralend/internal/auth"
	"libralend/internal/loan"
)

// service implements the Service interface.
type service struct {
	items        Repository
	transactions loan.TransactionManager
	stock        *loan.StockPolicy
	tracer       trace.Tracer
	logger       *zap.Logger
}

// NewService creates a new catalog service instance.
func NewService(items Repository, transactions loan.TransactionManager, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		items:        items,
		transactions: transactions,
		stock:        loan.NewStockPolicy(items),
		tracer:       otel.Tracer("libralend/catalog"),
		logger:       logger,
	}
}

// AddItem creates a new item with every copy on the shelf.
func (s *service) AddItem(ctx context.Context, user auth.User, input AddItemInput) (*loan.Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_item")
	defer span.End()

	if strings.TrimSpace(input.Title) == "" {
		return nil, loan.NewValidationError(CodeTitleRequired)
	}
	if input.TotalCopies < 0 {
		return nil, loan.NewValidationError(CodeTotalCopiesNegative)
	}

	item, err := s.items.Create(ctx, loan.Item{
		ID:          uuid.New(),
		ISBN:        input.ISBN,
		Title:       input.Title,
		Author:      input.Author,
		TotalCopies: input.TotalCopies,
		Stock:       input.TotalCopies,
	}, loan.Options{Actor: user.ID})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("item.id", item.ID.String()))
	return item, nil
}

// GetItem retrieves an item from the catalog by its ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*loan.Item, error) {
	return s.items.FindByID(ctx, id, loan.Options{})
}

// UpdateTotalCopies changes the number of owned copies and re-derives stock in the
// same transaction.
func (s *service) UpdateTotalCopies(ctx context.Context, user auth.User, id uuid.UUID, totalCopies int) (*loan.Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_total_copies",
		trace.WithAttributes(
			attribute.String("item.id", id.String()),
			attribute.Int("total_copies", totalCopies),
		),
	)
	defer span.End()

	if totalCopies < 0 {
		return nil, loan.NewValidationError(CodeTotalCopiesNegative)
	}

	session, err := s.transactions.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	opts := loan.Options{Session: session, Actor: user.ID}

	item, err := s.updateTotalCopies(ctx, id, totalCopies, opts)
	if err == nil {
		err = s.transactions.CommitTransaction(ctx, session)
	}
	if err != nil {
		if abortErr := s.transactions.AbortTransaction(context.WithoutCancel(ctx), session); abortErr != nil {
			s.logger.Error("failed to abort catalog transaction", zap.Error(abortErr))
		}
		return nil, err
	}

	return item, nil
}

func (s *service) updateTotalCopies(ctx context.Context, id uuid.UUID, totalCopies int, opts loan.Options) (*loan.Item, error) {
	if _, err := s.items.SetTotalCopies(ctx, id, totalCopies, opts); err != nil {
		return nil, err
	}
	return s.stock.RefreshStock(ctx, id, opts)
}
