// Package circuit implements named circuit breakers and the registry that
// owns them: cascading trips along a dependency graph, persistence through
// a state.Store, and periodic reliability reporting to a health.Reporter.
package circuit

import (
	"fmt"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in events and persisted state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ParseState converts a state name to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", s)
	}
}

// Transition reasons carried in the details of state change events.
const (
	ReasonFailureThreshold  = "failure_threshold_exceeded"
	ReasonRecoveryTimeout   = "recovery_timeout_elapsed"
	ReasonRecoveryConfirmed = "recovery_confirmed"
	ReasonManualTrip        = "Manual trip"
	ReasonManualReset       = "Manual reset"
	ReasonForcedHalfOpen    = "forced_half_open"
)

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of protected failures that opens a
	// closed circuit.
	// Default: 5
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long an open circuit waits before letting
	// trial calls through.
	// Default: 30s
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// FailureWindow resets the failure count once the last failure is
	// this old.
	// Default: 60s
	FailureWindow time.Duration `json:"failure_window" yaml:"failure_window"`

	// HalfOpenMaxTries bounds concurrent trial calls in HALF_OPEN and is
	// the number of successes that closes the circuit.
	// Default: 1
	HalfOpenMaxTries int `json:"half_open_max_tries" yaml:"half_open_max_tries"`

	// ProtectedErrors reports whether an error counts as a failure.
	// Default: nil, every error counts.
	ProtectedErrors func(error) bool `json:"-" yaml:"-"`
}

// DefaultConfig provides the standard breaker settings.
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
	FailureWindow:    60 * time.Second,
	HalfOpenMaxTries: 1,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = DefaultConfig.FailureWindow
	}
	if c.HalfOpenMaxTries <= 0 {
		c.HalfOpenMaxTries = DefaultConfig.HalfOpenMaxTries
	}
	return c
}

// protects reports whether err counts against the breaker.
func (c Config) protects(err error) bool {
	if err == nil {
		return false
	}
	if c.ProtectedErrors == nil {
		return true
	}
	return c.ProtectedErrors(err)
}
