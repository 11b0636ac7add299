// Package state provides the key/value state store used to persist
// circuit-breaker state across restarts.
//
// The Store contract is deliberately small (get, set, delete, list by
// prefix) so that any backend can serve it. Values and metadata are JSON
// objects; numbers round-trip as float64 in every backend.
package state

import (
	"context"
	"errors"
	"time"
)

// Store persists keyed state entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetState retrieves an entry.
	// Returns ErrNotFound if the key doesn't exist.
	GetState(ctx context.Context, key string) (*Entry, error)

	// SetState stores value and metadata under key, overwriting any
	// existing entry and incrementing its version.
	SetState(ctx context.Context, key string, value, metadata map[string]any) error

	// DeleteState removes an entry.
	// Returns nil if the key doesn't exist.
	DeleteState(ctx context.Context, key string) error

	// GetKeysByPrefix returns all keys starting with prefix, sorted.
	// Returns an empty slice (not error) if nothing matches.
	GetKeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Entry is a stored value with its metadata.
type Entry struct {
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Sentinel errors for state operations.
var (
	// ErrNotFound indicates an entry doesn't exist.
	ErrNotFound = errors.New("state entry not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("state store closed")
)
