package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrUnavailable marks a connection-level failure worth retrying.
	ErrUnavailable = errors.New("repository: store unavailable")
	// ErrInvalidTransition indicates a deployment was not in a permitted predecessor state.
	ErrInvalidTransition = errors.New("repository: invalid status transition")
	// ErrInvalidArgument indicates the store rejected a malformed value.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
