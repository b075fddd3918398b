package errors

import "errors"

// Persistence errors.
var (
	ErrNotFound = errors.New("not found")
)

// Local filesystem errors. These are fatal for the receipt they belong to
// and are never retried.
var (
	ErrLocalImageMissing = errors.New("local image missing")
	ErrInvalidPath       = errors.New("invalid path")
)

// Transport errors.
var (
	ErrTransport = errors.New("storage transport failed")
)
