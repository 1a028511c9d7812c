package db

import (
	"time"

	"github.com/lib/pq"
)

// pqStringArray adapts a Go string slice to the driver.Valuer the
// lib/pq driver expects for ANY($n) / NOT LIKE ANY($n) predicates.
func pqStringArray(values []string) interface{} {
	return pq.Array(values)
}

// daysUntil returns the number of whole 24-hour periods between now and
// t, truncated toward zero (negative once t has passed by a full day).
// It does not align to calendar days in any time zone.
func daysUntil(t time.Time) int {
	return int(time.Until(t).Hours() / 24)
}
