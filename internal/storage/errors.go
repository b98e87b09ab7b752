package storage

import "errors"

// Storage errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStore marks persistence-layer I/O failures. Batch write failures
	// and cursor read failures both wrap this sentinel; callers tell them
	// apart by call site.
	ErrStore = errors.New("store failure")
)
