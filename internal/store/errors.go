package store

import "errors"

// Sentinel errors shared by every Store implementation. Services wrap these
// with context; the API layer maps them to status codes with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("already exists")
	ErrPoolExhausted = errors.New("address pool exhausted")
	ErrExpired       = errors.New("expired")
)
