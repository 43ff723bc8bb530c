// Package ramp implements the delay curve that converts a consecutive
// failure count into a lockout delay.
package ramp

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxDelay caps the computed delay so a runaway failure count can never
// turn into an effectively permanent lockout.
const MaxDelay = 24 * time.Hour

// Delay returns the lockout delay for the given consecutive failure count.
//
// Failures at or below freeTries are free and incur no delay. Beyond that,
// with n = fails - freeTries, the delay is multiplier*n*ln(n) + base. At
// n = 1 the logarithm is zero, so the first delayed attempt costs exactly
// the base delay. The result is non-decreasing in fails and capped at
// MaxDelay.
func Delay(fails, freeTries int, multiplier float64, base time.Duration) time.Duration {
	if fails <= freeTries {
		return 0
	}

	n := float64(fails - freeTries)
	secs := multiplier * n * math.Log(n)

	// Compare before converting: a huge count would overflow Duration.
	if secs >= MaxDelay.Seconds() {
		return MaxDelay
	}

	d := time.Duration(secs*float64(time.Second)) + base
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// UnlockTime returns the instant at which an account with the given tally
// becomes attemptable again.
func UnlockTime(lastFailure time.Time, fails, freeTries int, multiplier float64, base time.Duration) time.Time {
	return lastFailure.Add(Delay(fails, freeTries, multiplier, base))
}

// FormatRemaining renders a remaining lockout duration for human-facing
// messages, e.g. "1 hour 4 minutes 30 seconds". Zero-valued units are
// omitted; a non-positive duration renders as "0 seconds".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0 seconds"
	}

	total := int64(d.Round(time.Second) / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var parts []string
	appendUnit := func(value int64, unit string) {
		if value == 0 {
			return
		}
		if value == 1 {
			unit = strings.TrimSuffix(unit, "s")
		}
		parts = append(parts, fmt.Sprintf("%d %s", value, unit))
	}

	appendUnit(hours, "hours")
	appendUnit(minutes, "minutes")
	appendUnit(seconds, "seconds")

	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, " ")
}
