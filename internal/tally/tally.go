// Package tally persists the per-user record of consecutive
// authentication failures.
package tally

import "time"

// Tally is the per-user failure record. A user with no record on disk has
// the zero tally: no failures, zero instant.
type Tally struct {
	// Count is the number of consecutive recorded failures.
	Count int
	// Instant is the time of the most recent recorded failure (UTC).
	Instant time.Time
}

// record is the on-disk shape: a single [Fails] table. Lock state is
// deliberately not part of the record; it is always derived from Count,
// Instant and the current time, so a crash can never leave a stale
// "locked" flag behind.
type record struct {
	Fails fails `toml:"Fails"`
}

type fails struct {
	Count   int       `toml:"count"`
	Instant time.Time `toml:"instant"`
}
