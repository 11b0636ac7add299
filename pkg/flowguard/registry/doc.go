// Package registry provides a generic keyed registry safe for concurrent use.
//
// The circuit-breaker registry keeps breakers by name in one, and the
// affinity registry keeps executors and resource bindings in others.
//
//	breakers := registry.New[string, *circuit.Breaker]()
//	b, created := breakers.GetOrCreate("postgres", func() *circuit.Breaker {
//	    return circuit.New("postgres", cfg)
//	})
//
// GetOrCreate calls the factory at most once per key. Register refuses to
// replace an existing entry; use Set to overwrite.
//
// Range and Snapshot work on a copy, so callbacks may mutate the registry.
package registry
