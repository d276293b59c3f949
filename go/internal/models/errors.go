package models

import "errors"

var (
	// ErrNotFound is returned when the remote has no record for the user
	ErrNotFound = errors.New("not found")

	// ErrMutationRejected is returned when the remote refuses a mutation on business rules
	ErrMutationRejected = errors.New("mutation rejected")

	// ErrFetchTimeout is returned when the primary fetch exceeds its hard timeout
	ErrFetchTimeout = errors.New("fetch timed out")

	// ErrRetriesExhausted wraps the last fetch error once the retry bound is reached
	ErrRetriesExhausted = errors.New("fetch retries exhausted")

	// ErrNoSession is returned by operations that need an active session
	ErrNoSession = errors.New("no active session")
)
