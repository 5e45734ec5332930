// internal/loan/errors.go
package loan

import (
	"errors"
	"fmt"
)

// Validation reason codes. They double as message keys for localized rendering.
const (
	CodeBookOutOfStock     = "entities.loan.validation.bookOutOfStock"
	CodeReturnDateRequired = "entities.loan.validation.returnDateRequired"
	CodeLoanAlreadyClosed  = "entities.loan.validation.loanAlreadyClosed"
	CodeImportHashRequired = "importer.errors.importHashRequired"
	CodeImportHashExistent = "importer.errors.importHashExistent"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForeignSession = errors.New("session was not created by this store")
)

// ValidationError is a business-rule violation. Resubmitting the same input fails again.
type ValidationError struct {
	Code string
}

func NewValidationError(code string) *ValidationError {
	return &ValidationError{Code: code}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Code
}

// NotFoundError reports an id that did not resolve.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StorageError wraps a failure of the transaction manager or a repository.
// The operation that produced it had no partial effect and may be retried as a whole.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports that the loan period could not be resolved.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("resolve loan period: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError with the given code.
// An empty code matches any validation failure.
func IsValidation(err error, code string) bool {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return false
	}
	return code == "" || verr.Code == code
}

// Retryable reports whether the whole operation may safely be retried.
func Retryable(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr)
}
