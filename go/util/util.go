// Package util contains small shared helpers.
package util

import (
	"time"
)

// TimeIsZero returns true if the time.Time is a zero-value or corresponds to
// a zero Unix timestamp.
func TimeIsZero(t time.Time) bool {
	return t.IsZero() || t.Unix() == 0
}

// In returns true if the given string is present in the given slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// CopyStringSlice returns a copy of the given []string, or nil if it is nil.
func CopyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	rv := make([]string, len(s))
	copy(rv, s)
	return rv
}

// CopyStringMap returns a copy of the given map[string]string, or nil if it
// is nil.
func CopyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	rv := make(map[string]string, len(m))
	for k, v := range m {
		rv[k] = v
	}
	return rv
}

// MinInt returns the smaller of the two ints.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Clamp returns v clamped to the inclusive range [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
