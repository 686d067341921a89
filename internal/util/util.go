// Package util contains misc internal utilities shared across components.
package util

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Clamp limits min <= input <= max
func Clamp(input, min, max float64) float64 {
	if input < min {
		return min
	}
	if input > max {
		return max
	}
	return input
}

// Limiter represents a basic set of min,max limits
type Limiter struct {
	Min float64
	Max float64
}

// Clamp limits min <= input <= max
func (l *Limiter) Clamp(input float64) float64 {
	return Clamp(input, l.Min, l.Max)
}

// Check verifies if min <= input <= max
func (l *Limiter) Check(input float64) bool {
	return input >= l.Min && input <= l.Max
}

// Round rounds x to the nearest multiple of unit (0.1 for tenths, 0.01 for hundredths, ...)
func Round(x, unit float64) float64 {
	return math.Floor(x/unit+0.5) * unit
}

// MergeErrors converts many errors to a single one, newline separated.
// Returns nil if all elements of errs are nil.
func MergeErrors(errs []error) error {
	var strs []string
	for _, err := range errs {
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	if len(strs) == 0 {
		return nil
	}
	return errors.New(strings.Join(strs, "\n"))
}

// SecsToDuration converts floating point seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// NormalizeDegrees folds an angle in degrees into (-180, 180].
func NormalizeDegrees(deg float64) float64 {
	for deg <= -180 {
		deg += 360
	}
	for deg > 180 {
		deg -= 360
	}
	return deg
}
