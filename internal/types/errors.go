package types

import "errors"

var (
	// ErrUnauthenticated means no valid principal was attached to the transport.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means the target room, user or message does not exist or is
	// not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPayload means an inbound envelope could not be parsed or
	// failed validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrConflict is returned by stores when a uniqueness constraint rejects a
	// write. Callers resolve it internally.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means a collaborator (store or broadcast bus) could not
	// be reached.
	ErrUnavailable = errors.New("service unavailable")
)
