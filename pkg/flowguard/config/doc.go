/*
Package config loads flowguard settings from YAML or JSON.

Config wraps a map[string]any with typed accessors that fall back to a
default when a key is missing or holds the wrong type:

	cfg := config.New(map[string]any{
	    "max_size":   1000,
	    "batch_size": 5,
	    "idle_timeout": "100ms",
	})

	size := cfg.Int("max_size", 500)                       // 1000
	idle := cfg.Duration("idle_timeout", time.Second)      // 100ms
	retries := cfg.Int("max_retries", 3)                   // 3

Durations accept strings for time.ParseDuration or numbers of seconds.
Ints accept float64 values with no fractional part, which is how JSON
numbers arrive.

# Settings

Settings is the typed view the composition root consumes. Decode reads
these top-level sections, each optional:

	queue:
	  max_size: 1000
	  batch_size: 5
	  dead_letters: {max_size: 1000}
	backpressure:
	  rate: 10
	  capacity: 10
	circuit:
	  check_interval: 30s
	  default: {failure_threshold: 5, recovery_timeout: 30s}
	  components:
	    database: {failure_threshold: 3}
	affinity:
	  submit_timeout: 30s
	state:
	  backend: sqlite        # memory | sqlite | postgres
	  path: flowguard.db
	telemetry:
	  otlp_endpoint: localhost:4318
	  service_name: flowguard
	logging:
	  level: info
	  format: text

Component breaker configs start from circuit.default, so a component only
lists the fields it changes.

Config is safe for concurrent reads. The wrapped map must not be modified
after New.
*/
package config
