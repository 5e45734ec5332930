// internal/loan/importer.go
package loan

import (
	"context"
	"strings"
)

// ImportDeduplicator rejects externally sourced loans whose import hash was already ingested.
// The check is best effort: two concurrent imports of one hash may both pass it, and only
// a unique constraint in the store closes that window.
type ImportDeduplicator struct {
	loans LoanRepository
}

func NewImportDeduplicator(loans LoanRepository) *ImportDeduplicator {
	return &ImportDeduplicator{loans: loans}
}

func (d *ImportDeduplicator) EnsureNotDuplicate(ctx context.Context, importHash string, opts Options) error {
	if strings.TrimSpace(importHash) == "" {
		return NewValidationError(CodeImportHashRequired)
	}

	count, err := d.loans.Count(ctx, Filter{ImportHash: importHash}, opts)
	if err != nil {
		return err
	}
	if count > 0 {
		return NewValidationError(CodeImportHashExistent)
	}
	return nil
}
