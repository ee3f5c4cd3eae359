package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a row with the same id already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrConcurrentUpdate is returned when an update lost an optimistic
	// concurrency race and must be retried on fresh state.
	ErrConcurrentUpdate = errors.New("concurrent update detected")
)
