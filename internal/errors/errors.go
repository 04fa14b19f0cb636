package errors

import (
	"errors"
)

var (
	// ErrServerStopped is returned when a request arrives after shutdown began
	ErrServerStopped = errors.New("server is stopped")

	// ErrServerBusy is returned when the worker pool and its queue are saturated
	ErrServerBusy = errors.New("server is busy, too many pending tasks")

	// ErrUnknownRequestType is returned for a request type code with no handler
	ErrUnknownRequestType = errors.New("unknown coprocessor request type")

	// ErrUnknownCommand is returned for an unrecognized wire command
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidFrame is returned when a wire frame fails to decode
	ErrInvalidFrame = errors.New("invalid frame format")

	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame size exceeds maximum")

	// ErrInvalidPlan is returned when a DAG plan payload fails validation
	ErrInvalidPlan = errors.New("invalid query plan")

	// ErrInvalidRange is returned when a key range has start > end
	ErrInvalidRange = errors.New("key range start exceeds end")

	// ErrKeyNotFound is returned by point lookups on absent keys
	ErrKeyNotFound = errors.New("key not found")

	// ErrEngineClosed is returned when operating on a closed storage engine
	ErrEngineClosed = errors.New("storage engine is closed")

	// ErrMalformedRow is returned when a stored value does not decode as a row
	ErrMalformedRow = errors.New("malformed row value")

	// ErrTypeMismatch is returned when a predicate compares incompatible types
	ErrTypeMismatch = errors.New("incomparable column and literal types")
)
