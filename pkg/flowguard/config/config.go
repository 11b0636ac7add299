package config

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Config is a read-only view over decoded configuration. Accessors never
// fail: a missing key or a value of the wrong shape yields the fallback.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map. A nil map is treated as empty.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// lookup returns the value under key converted by conv, or fallback.
func lookup[T any](c Config, key string, fallback T, conv func(any) (T, bool)) T {
	v, ok := c.data[key]
	if !ok {
		return fallback
	}
	if out, ok := conv(v); ok {
		return out
	}
	return fallback
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asNumber normalizes the numeric types produced by the YAML and JSON
// decoders.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	if n, ok := v.(int64); ok {
		return int(n), true
	}
	f, ok := asNumber(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// asDuration accepts a time.Duration, a time.ParseDuration string, or a
// number of seconds.
func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	case int:
		return time.Duration(d) * time.Second, true
	case int64:
		return time.Duration(d) * time.Second, true
	}
	secs, ok := asNumber(v)
	if !ok {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// asStrings accepts []string, or []any made only of strings.
func asStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// String returns the string under key.
func (c Config) String(key, fallback string) string {
	return lookup(c, key, fallback, asString)
}

// Bool returns the boolean under key.
func (c Config) Bool(key string, fallback bool) bool {
	return lookup(c, key, fallback, asBool)
}

// Int returns the integer under key. Floats with a fractional part are
// rejected.
func (c Config) Int(key string, fallback int) int {
	return lookup(c, key, fallback, asInt)
}

// Float returns the number under key.
func (c Config) Float(key string, fallback float64) float64 {
	return lookup(c, key, fallback, asNumber)
}

// Duration returns the duration under key. Strings use time.ParseDuration
// ("100ms", "1h30m"); bare numbers are seconds.
func (c Config) Duration(key string, fallback time.Duration) time.Duration {
	return lookup(c, key, fallback, asDuration)
}

// StringSlice returns the list of strings under key. A list holding any
// non-string element yields the fallback.
func (c Config) StringSlice(key string, fallback []string) []string {
	return lookup(c, key, fallback, asStrings)
}

// Any returns the raw value under key.
func (c Config) Any(key string, fallback any) any {
	return lookup(c, key, fallback, func(v any) (any, bool) { return v, true })
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}

// Section returns the nested map under key as a Config. Missing keys and
// non-map values yield an empty Config. map[any]any keys, as produced by
// some YAML documents, are converted with fmt.Sprint.
func (c Config) Section(key string) Config {
	switch m := c.data[key].(type) {
	case map[string]any:
		return New(m)
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return New(out)
	}
	return New(nil)
}

// Keys returns the top-level keys in sorted order.
func (c Config) Keys() []string {
	return slices.Sorted(maps.Keys(c.data))
}
