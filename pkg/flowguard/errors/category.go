// Package errors defines the failure taxonomy shared by flowguard components
// and the retry helper used for transient failures.
//
// Failures are classified two ways:
//   - Kind: which part of the system failed (admission, circuit, delivery,
//     cross-context marshaling, persistence)
//   - Category: whether retrying is likely to help
//
// Only CircuitOpen failures and errors returned by a caller's protected
// operation ever cross a component boundary. Every other kind is contained
// by the component that produced it and surfaced through logs and health
// events.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: a state store that is briefly unavailable, a timeout.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: an open circuit, a cancelled context, invalid input.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError pins a category on an error. WithRetry returns one
// carrying the number of attempts made.
type CategorizedError struct {
	Err      error
	Category Category
	Retries  int
	// Context names the attempted operation or why retrying stopped.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// transientKinds are the kinds worth retrying.
var transientKinds = map[Kind]bool{
	KindPersistenceFailure:  true,
	KindCrossContextFailure: true,
	KindDeliveryFailure:     true,
}

// Categorize reports whether retrying err is likely to help. An explicit
// CategorizedError wins, then context errors, then the Kind. Anything
// unrecognized, including nil, is permanent.
func Categorize(err error) Category {
	var catErr *CategorizedError
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &catErr):
		return catErr.Category
	case errors.Is(err, context.Canceled):
		return CategoryPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	case transientKinds[KindOf(err)]:
		return CategoryTransient
	}
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
