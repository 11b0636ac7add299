package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/flowguard/pkg/flowguard/backpressure"
	"github.com/randalmurphal/flowguard/pkg/flowguard/circuit"
	"github.com/randalmurphal/flowguard/pkg/flowguard/config"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Empty(t *testing.T) {
	s, err := config.Decode(config.New(nil))
	require.NoError(t, err)

	assert.Equal(t, event.DefaultQueueConfig, s.Queue)
	assert.Equal(t, backpressure.DefaultConfig.Rate, s.Backpressure.Rate)
	assert.Nil(t, s.Backpressure.Prioritized)
	assert.Equal(t, circuit.DefaultConfig.FailureThreshold, s.Circuit.Default.FailureThreshold)
	assert.Nil(t, s.Circuit.Components)
	assert.Equal(t, config.BackendMemory, s.State.Backend)
	assert.True(t, s.State.Migrate)
	assert.Equal(t, "flowguard", s.Telemetry.ServiceName)
	assert.Empty(t, s.Telemetry.Endpoint)
}

func TestDecode_AllSections(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
queue:
  id: orders
  max_size: 10
  batch_size: 3
  idle_timeout: 20ms
  max_retries: 1
  retry_base_delay: 5ms
  dead_letters:
    max_size: 50
backpressure:
  rate: 2.5
  capacity: 4
  prioritized: [system_alert]
circuit:
  check_interval: 1s
  metric_window: 10m
  default:
    failure_threshold: 4
    recovery_timeout: 10s
  components:
    database:
      failure_threshold: 2
    api:
      half_open_max_tries: 3
affinity:
  submit_timeout: 5s
  stale_after: 1m
state:
  backend: SQLite
  path: /tmp/fg.db
telemetry:
  otlp_endpoint: http://collector:4318
  insecure: true
  service_name: checkout
logging:
  level: debug
  format: JSON
`))
	require.NoError(t, err)

	s, err := config.Decode(cfg)
	require.NoError(t, err)

	assert.Equal(t, "orders", s.Queue.ID)
	assert.Equal(t, 10, s.Queue.MaxSize)
	assert.Equal(t, 3, s.Queue.BatchSize)
	assert.Equal(t, 20*time.Millisecond, s.Queue.IdleTimeout)
	assert.Equal(t, event.DefaultQueueConfig.BatchTimeout, s.Queue.BatchTimeout)
	assert.Equal(t, 1, s.Queue.MaxRetries)
	assert.Equal(t, 5*time.Millisecond, s.Queue.RetryBaseDelay)
	assert.Equal(t, 50, s.DeadLetters.MaxSize)

	assert.InDelta(t, 2.5, s.Backpressure.Rate, 1e-9)
	assert.InDelta(t, 4.0, s.Backpressure.Capacity, 1e-9)
	assert.Equal(t, []string{"system_alert"}, s.Backpressure.Prioritized)

	assert.Equal(t, time.Second, s.Circuit.CheckInterval)
	assert.Equal(t, 10*time.Minute, s.Circuit.MetricWindow)
	assert.Equal(t, 4, s.Circuit.Default.FailureThreshold)
	assert.Equal(t, 10*time.Second, s.Circuit.Default.RecoveryTimeout)
	require.Len(t, s.Circuit.Components, 2)
	assert.Equal(t, 2, s.Circuit.Components["database"].FailureThreshold)
	assert.Equal(t, 10*time.Second, s.Circuit.Components["database"].RecoveryTimeout, "inherits circuit.default")
	assert.Equal(t, 4, s.Circuit.Components["api"].FailureThreshold)
	assert.Equal(t, 3, s.Circuit.Components["api"].HalfOpenMaxTries)

	assert.Equal(t, 5*time.Second, s.Affinity.SubmitTimeout)
	assert.Equal(t, time.Minute, s.Affinity.StaleAfter)

	assert.Equal(t, config.BackendSQLite, s.State.Backend)
	assert.Equal(t, "/tmp/fg.db", s.State.Path)

	assert.Equal(t, "http://collector:4318", s.Telemetry.Endpoint)
	assert.True(t, s.Telemetry.Insecure)
	assert.Equal(t, "checkout", s.Telemetry.ServiceName)

	assert.Equal(t, slog.LevelDebug, s.Logging.SlogLevel())
	assert.Equal(t, "json", s.Logging.Format)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{
			"unknown backend",
			map[string]any{"state": map[string]any{"backend": "redis"}},
			`unknown state.backend "redis"`,
		},
		{
			"postgres without dsn",
			map[string]any{"state": map[string]any{"backend": "postgres"}},
			"state.dsn is required",
		},
		{
			"sqlite without path",
			map[string]any{"state": map[string]any{"backend": "sqlite", "path": ""}},
			"state.path is required",
		},
		{
			"negative queue size",
			map[string]any{"queue": map[string]any{"max_size": -1}},
			"queue.max_size must not be negative",
		},
		{
			"negative component threshold",
			map[string]any{"circuit": map[string]any{
				"components": map[string]any{"db": map[string]any{"failure_threshold": -2}},
			}},
			"circuit.components.db.failure_threshold",
		},
		{
			"log format",
			map[string]any{"logging": map[string]any{"format": "xml"}},
			`unknown logging.format "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Decode(config.New(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalidSettings)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	s := config.DefaultSettings()
	s.State.Backend = "etcd"
	s.Logging.Format = "xml"

	err := s.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "state.backend")
	assert.ErrorContains(t, err, "logging.format")
}

func TestSlogLevel_Fallback(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, config.LoggingSettings{Level: "WARN"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, config.LoggingSettings{Level: "chatty"}.SlogLevel())
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowguard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue": {"max_size": 10, "batch_size": 5}}`), 0o644))

	s, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Queue.MaxSize)
	assert.Equal(t, 5, s.Queue.BatchSize)

	_, err = config.LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
