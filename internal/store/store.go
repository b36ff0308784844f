// Package store holds the errors and aggregate types shared by the storage
// backends.
package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// TokenStats counts token records. Active excludes expired and revoked
// records; Expired excludes revoked ones.
type TokenStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Access  int `json:"access"`
	Refresh int `json:"refresh"`
}

// RetryAfter is how long a client limited in the window opened at start has
// to wait, never less than one second.
func RetryAfter(start time.Time, window time.Duration, now time.Time) time.Duration {
	return max(start.Add(window).Sub(now), time.Second)
}
