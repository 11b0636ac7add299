package errors

import (
	"errors"
	"fmt"
)

// Kind identifies which failure class an error belongs to.
type Kind int

const (
	// KindUnknown is the zero value for errors outside the taxonomy.
	KindUnknown Kind = iota

	// KindAdmissionRejection is a rate-limited or saturation-rejected emit.
	// It is never returned to producers; Emit reports it as false.
	KindAdmissionRejection

	// KindCircuitOpen is the fail-fast signal of an OPEN or saturated
	// HALF_OPEN circuit breaker.
	KindCircuitOpen

	// KindDeliveryFailure is a subscriber handler error. It is retried and
	// then logged and dropped.
	KindDeliveryFailure

	// KindCrossContextFailure is a failure to marshal work into a resource's
	// owning executor.
	KindCrossContextFailure

	// KindPersistenceFailure is a failed state store call.
	KindPersistenceFailure
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAdmissionRejection:
		return "admission_rejection"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDeliveryFailure:
		return "delivery_failure"
	case KindCrossContextFailure:
		return "cross_context_failure"
	case KindPersistenceFailure:
		return "persistence_failure"
	default:
		return "unknown"
	}
}

// Error carries a failure kind together with the operation and component
// that produced it.
type Error struct {
	Kind      Kind
	Op        string // operation being attempted, e.g. "save_state"
	Component string // component or resource name, if known
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Component != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Component)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, op, component string, err error) *Error {
	return &Error{Kind: kind, Op: op, Component: component, Err: err}
}

// Persistence wraps a state store failure.
func Persistence(op, key string, err error) *Error {
	return New(KindPersistenceFailure, op, key, err)
}

// CrossContext wraps a marshaling failure for a resource.
func CrossContext(op, resourceID string, err error) *Error {
	return New(KindCrossContextFailure, op, resourceID, err)
}

// Delivery wraps a subscriber failure.
func Delivery(eventType string, err error) *Error {
	return New(KindDeliveryFailure, "deliver", eventType, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsCircuitOpen reports whether err is a circuit-open failure.
func IsCircuitOpen(err error) bool {
	return KindOf(err) == KindCircuitOpen
}

// IsPersistence reports whether err is a persistence failure.
func IsPersistence(err error) bool {
	return KindOf(err) == KindPersistenceFailure
}
