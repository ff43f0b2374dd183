package id

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 so job rows sort by creation order.
func New() string {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return v.String()
}

// Valid reports whether s has the canonical 36-character UUID shape.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
