package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/flowguard/pkg/flowguard/backpressure"
	"github.com/randalmurphal/flowguard/pkg/flowguard/circuit"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
)

// State store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ErrInvalidSettings is wrapped by every Validate failure.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the typed form of a configuration file. Each field maps to
// the top-level section of the same name.
type Settings struct {
	Queue        event.QueueConfig
	DeadLetters  event.DeadLetterConfig
	Backpressure backpressure.Config
	Circuit      circuit.RegistryConfig
	Affinity     AffinitySettings
	State        StateSettings
	Telemetry    observability.TelemetryConfig
	Logging      LoggingSettings
}

// AffinitySettings configures executor ownership.
type AffinitySettings struct {
	// SubmitTimeout bounds work marshaled into an owning executor.
	// Default: 30s
	SubmitTimeout time.Duration

	// StaleAfter is the idle age after which an executor that owns no
	// resources is removed by periodic cleanup. Zero disables cleanup.
	// Default: 10m
	StaleAfter time.Duration
}

// StateSettings selects and configures the circuit state store.
type StateSettings struct {
	// Backend is one of memory, sqlite or postgres.
	// Default: memory
	Backend string

	// Path is the SQLite database file; ":memory:" keeps it in memory.
	// Default: flowguard.db
	Path string

	// DSN is the Postgres connection string.
	DSN string

	// Migrate applies the Postgres schema before connecting.
	// Default: true
	Migrate bool
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string

	// Format is text or json.
	// Default: text
	Format string
}

// SlogLevel converts Level, falling back to info.
func (l LoggingSettings) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// DefaultSettings returns the settings used for missing sections and keys.
func DefaultSettings() Settings {
	return Settings{
		Queue:        event.DefaultQueueConfig,
		DeadLetters:  event.DefaultDeadLetterConfig,
		Backpressure: backpressure.DefaultConfig,
		Circuit:      circuit.DefaultRegistryConfig,
		Affinity: AffinitySettings{
			SubmitTimeout: 30 * time.Second,
			StaleAfter:    10 * time.Minute,
		},
		State: StateSettings{
			Backend: BackendMemory,
			Path:    "flowguard.db",
			Migrate: true,
		},
		Telemetry: observability.TelemetryConfig{
			ServiceName: "flowguard",
			Interval:    30 * time.Second,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadSettings reads a YAML or JSON file and decodes it.
func LoadSettings(path string) (Settings, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return Decode(cfg)
}

// Decode builds Settings from a loaded Config and validates the result.
func Decode(cfg Config) (Settings, error) {
	s := DefaultSettings()

	q := cfg.Section("queue")
	s.Queue = event.QueueConfig{
		ID:             q.String("id", s.Queue.ID),
		MaxSize:        q.Int("max_size", s.Queue.MaxSize),
		BatchSize:      q.Int("batch_size", s.Queue.BatchSize),
		IdleTimeout:    q.Duration("idle_timeout", s.Queue.IdleTimeout),
		BatchTimeout:   q.Duration("batch_timeout", s.Queue.BatchTimeout),
		MaxRetries:     q.Int("max_retries", s.Queue.MaxRetries),
		RetryBaseDelay: q.Duration("retry_base_delay", s.Queue.RetryBaseDelay),
		RetryJitter:    q.Float("retry_jitter", s.Queue.RetryJitter),
		HistorySize:    q.Int("history_size", s.Queue.HistorySize),
		DrainTimeout:   q.Duration("drain_timeout", s.Queue.DrainTimeout),
		StopTimeout:    q.Duration("stop_timeout", s.Queue.StopTimeout),
	}
	s.DeadLetters.MaxSize = q.Section("dead_letters").Int("max_size", s.DeadLetters.MaxSize)

	bp := cfg.Section("backpressure")
	s.Backpressure.Rate = bp.Float("rate", s.Backpressure.Rate)
	s.Backpressure.Capacity = bp.Float("capacity", s.Backpressure.Capacity)
	s.Backpressure.WindowSize = bp.Int("window_size", s.Backpressure.WindowSize)
	s.Backpressure.Prioritized = bp.StringSlice("prioritized", nil)

	cb := cfg.Section("circuit")
	s.Circuit.ID = cb.String("id", s.Circuit.ID)
	s.Circuit.CheckInterval = cb.Duration("check_interval", s.Circuit.CheckInterval)
	s.Circuit.MetricWindow = cb.Duration("metric_window", s.Circuit.MetricWindow)
	s.Circuit.HistorySize = cb.Int("history_size", s.Circuit.HistorySize)
	s.Circuit.StopTimeout = cb.Duration("stop_timeout", s.Circuit.StopTimeout)
	s.Circuit.Default = decodeBreaker(cb.Section("default"), s.Circuit.Default)
	if comps := cb.Section("components"); len(comps.Keys()) > 0 {
		s.Circuit.Components = make(map[string]circuit.Config, len(comps.Keys()))
		for _, name := range comps.Keys() {
			s.Circuit.Components[name] = decodeBreaker(comps.Section(name), s.Circuit.Default)
		}
	}

	af := cfg.Section("affinity")
	s.Affinity.SubmitTimeout = af.Duration("submit_timeout", s.Affinity.SubmitTimeout)
	s.Affinity.StaleAfter = af.Duration("stale_after", s.Affinity.StaleAfter)

	st := cfg.Section("state")
	s.State.Backend = strings.ToLower(st.String("backend", s.State.Backend))
	s.State.Path = st.String("path", s.State.Path)
	s.State.DSN = st.String("dsn", s.State.DSN)
	s.State.Migrate = st.Bool("migrate", s.State.Migrate)

	tel := cfg.Section("telemetry")
	s.Telemetry.Endpoint = tel.String("otlp_endpoint", s.Telemetry.Endpoint)
	s.Telemetry.Insecure = tel.Bool("insecure", s.Telemetry.Insecure)
	s.Telemetry.ServiceName = tel.String("service_name", s.Telemetry.ServiceName)
	s.Telemetry.Interval = tel.Duration("interval", s.Telemetry.Interval)

	lg := cfg.Section("logging")
	s.Logging.Level = lg.String("level", s.Logging.Level)
	s.Logging.Format = strings.ToLower(lg.String("format", s.Logging.Format))

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func decodeBreaker(c Config, base circuit.Config) circuit.Config {
	return circuit.Config{
		FailureThreshold: c.Int("failure_threshold", base.FailureThreshold),
		RecoveryTimeout:  c.Duration("recovery_timeout", base.RecoveryTimeout),
		FailureWindow:    c.Duration("failure_window", base.FailureWindow),
		HalfOpenMaxTries: c.Int("half_open_max_tries", base.HalfOpenMaxTries),
	}
}

// Validate reports every problem found, joined.
func (s Settings) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidSettings}, args...)...))
	}

	if s.Queue.MaxSize < 0 {
		bad("queue.max_size must not be negative, got %d", s.Queue.MaxSize)
	}
	if s.Queue.BatchSize < 0 {
		bad("queue.batch_size must not be negative, got %d", s.Queue.BatchSize)
	}
	if s.Queue.MaxRetries < 0 {
		bad("queue.max_retries must not be negative, got %d", s.Queue.MaxRetries)
	}
	if s.Backpressure.Rate < 0 || s.Backpressure.Capacity < 0 {
		bad("backpressure rate and capacity must not be negative")
	}
	if err := validateBreaker("circuit.default", s.Circuit.Default); err != nil {
		errs = append(errs, err)
	}
	for name, c := range s.Circuit.Components {
		if err := validateBreaker("circuit.components."+name, c); err != nil {
			errs = append(errs, err)
		}
	}

	switch s.State.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.State.Path == "" {
			bad("state.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if s.State.DSN == "" {
			bad("state.dsn is required for the postgres backend")
		}
	default:
		bad("unknown state.backend %q", s.State.Backend)
	}

	switch s.Logging.Format {
	case "text", "json":
	default:
		bad("unknown logging.format %q", s.Logging.Format)
	}

	return errors.Join(errs...)
}

func validateBreaker(path string, c circuit.Config) error {
	switch {
	case c.FailureThreshold < 0:
		return fmt.Errorf("%w: %s.failure_threshold must not be negative", ErrInvalidSettings, path)
	case c.HalfOpenMaxTries < 0:
		return fmt.Errorf("%w: %s.half_open_max_tries must not be negative", ErrInvalidSettings, path)
	case c.RecoveryTimeout < 0:
		return fmt.Errorf("%w: %s.recovery_timeout must not be negative", ErrInvalidSettings, path)
	}
	return nil
}
