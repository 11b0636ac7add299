package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/flowguard/pkg/flowguard/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilMap(t *testing.T) {
	cfg := config.New(nil)
	assert.NotNil(t, cfg.Raw())
	assert.Empty(t, cfg.Keys())
}

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"id":           "orders",
		"max_size":     1000,
		"json_size":    float64(250),
		"fraction":     2.5,
		"big":          int64(1 << 40),
		"jitter":       0.1,
		"retries_int":  3,
		"enabled":      true,
		"idle_timeout": "100ms",
		"recovery":     30,
		"window":       1.5,
		"stop":         2 * time.Second,
		"prioritized":  []any{"system_alert", "system_health_changed"},
		"mixed":        []any{"a", 1},
		"direct":       []string{"x"},
	})

	t.Run("string", func(t *testing.T) {
		assert.Equal(t, "orders", cfg.String("id", "default"))
		assert.Equal(t, "default", cfg.String("missing", "default"))
		assert.Equal(t, "default", cfg.String("max_size", "default"))
	})

	t.Run("int", func(t *testing.T) {
		assert.Equal(t, 1000, cfg.Int("max_size", 0))
		assert.Equal(t, 250, cfg.Int("json_size", 0))
		assert.Equal(t, 7, cfg.Int("fraction", 7), "fractional floats are rejected")
		assert.Equal(t, 1<<40, cfg.Int("big", 0))
		assert.Equal(t, 7, cfg.Int("id", 7))
	})

	t.Run("float", func(t *testing.T) {
		assert.InDelta(t, 0.1, cfg.Float("jitter", 0), 1e-9)
		assert.InDelta(t, 3.0, cfg.Float("retries_int", 0), 1e-9)
		assert.InDelta(t, 9.0, cfg.Float("id", 9), 1e-9)
	})

	t.Run("bool", func(t *testing.T) {
		assert.True(t, cfg.Bool("enabled", false))
		assert.True(t, cfg.Bool("missing", true))
		assert.False(t, cfg.Bool("id", false))
	})

	t.Run("string slice", func(t *testing.T) {
		assert.Equal(t, []string{"system_alert", "system_health_changed"}, cfg.StringSlice("prioritized", nil))
		assert.Equal(t, []string{"x"}, cfg.StringSlice("direct", nil))
		assert.Nil(t, cfg.StringSlice("mixed", nil))
	})

	t.Run("any and has", func(t *testing.T) {
		assert.True(t, cfg.Has("id"))
		assert.False(t, cfg.Has("missing"))
		assert.Equal(t, "fallback", cfg.Any("missing", "fallback"))
	})
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  time.Duration
	}{
		{"string", "100ms", 100 * time.Millisecond},
		{"compound string", "1h30m", 90 * time.Minute},
		{"int seconds", 30, 30 * time.Second},
		{"int64 seconds", int64(5), 5 * time.Second},
		{"float seconds", 1.5, 1500 * time.Millisecond},
		{"duration", 2 * time.Second, 2 * time.Second},
		{"zero", 0, 0},
		{"invalid string", "soon", time.Minute},
		{"wrong type", true, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"d": tt.value})
			assert.Equal(t, tt.want, cfg.Duration("d", time.Minute))
		})
	}
}

func TestSection(t *testing.T) {
	cfg := config.New(map[string]any{
		"queue":  map[string]any{"max_size": 10},
		"legacy": map[any]any{"batch_size": 2, 7: "seven"},
		"flat":   "not a map",
	})

	assert.Equal(t, 10, cfg.Section("queue").Int("max_size", 0))
	assert.Equal(t, 2, cfg.Section("legacy").Int("batch_size", 0))
	assert.Equal(t, "seven", cfg.Section("legacy").String("7", ""))
	assert.Empty(t, cfg.Section("flat").Keys())
	assert.Empty(t, cfg.Section("missing").Keys())
	assert.Equal(t, []string{"flat", "legacy", "queue"}, cfg.Keys())
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
queue:
  max_size: 10
  idle_timeout: 50ms
circuit:
  components:
    database:
      failure_threshold: 3
`))
	require.NoError(t, err)

	q := cfg.Section("queue")
	assert.Equal(t, 10, q.Int("max_size", 0))
	assert.Equal(t, 50*time.Millisecond, q.Duration("idle_timeout", 0))
	db := cfg.Section("circuit").Section("components").Section("database")
	assert.Equal(t, 3, db.Int("failure_threshold", 0))

	_, err = config.FromYAML([]byte("queue: [unclosed"))
	assert.ErrorContains(t, err, "parse yaml")
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"backpressure": {"rate": 2.5, "capacity": 4}}`))
	require.NoError(t, err)

	bp := cfg.Section("backpressure")
	assert.InDelta(t, 2.5, bp.Float("rate", 0), 1e-9)
	assert.Equal(t, 4, bp.Int("capacity", 0))

	_, err = config.FromJSON([]byte(`{"backpressure":`))
	assert.ErrorContains(t, err, "parse json")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"yaml", write("flowguard.yaml", "state:\n  backend: sqlite\n"), ""},
		{"yml upper case", write("flowguard.YML", "state:\n  backend: sqlite\n"), ""},
		{"json", write("flowguard.json", `{"state": {"backend": "sqlite"}}`), ""},
		{"unsupported", write("flowguard.toml", "backend = 'sqlite'"), "unsupported config file extension"},
		{"missing", filepath.Join(dir, "absent.yaml"), "read config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.FromFile(tt.path)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "sqlite", cfg.Section("state").String("backend", ""))
		})
	}
}
