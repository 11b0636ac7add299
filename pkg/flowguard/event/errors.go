package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrNilHandler is returned when subscribing a nil handler.
var ErrNilHandler = errors.New("nil event handler")

// DeliveryError describes a handler call that failed after all retries.
type DeliveryError struct {
	Event          Event
	SubscriptionID string
	Attempts       int
	Err            error
	Timestamp      time.Time
}

// Error implements error.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s (event %s) to %s after %d attempts: %v",
		e.Event.Type, e.Event.ID(), e.SubscriptionID, e.Attempts, e.Err)
}

// Unwrap returns the handler's error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}
