// Package idgen generates time-ordered identifiers.
package idgen

import "github.com/google/uuid"

// Generator returns a new unique ID on each call.
type Generator func() string

// Default returns a UUIDv7 string. UUIDv7 sorts by creation time, which keeps
// SQLite primary key inserts append-mostly.
func Default() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the system random source does.
		return uuid.NewString()
	}
	return id.String()
}

// Prefixed wraps gen so every ID starts with prefix, e.g. "run_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}
