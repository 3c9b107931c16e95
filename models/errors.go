package models

import "errors"

// Error taxonomy shared by the services, the HTTP layer and the client.
var (
	// ErrNotAuthorized means the acting user may not perform the operation.
	ErrNotAuthorized = errors.New("chat: not authorized")
	// ErrNotFound means the conversation or message does not exist.
	ErrNotFound = errors.New("chat: not found")
	// ErrInvalidInput means the request was malformed.
	ErrInvalidInput = errors.New("chat: invalid input")
	// ErrTransientIO means storage or a backend failed; the operation may be retried.
	ErrTransientIO = errors.New("chat: transient i/o failure")
)

// IsNotAvailable reports errors that callers must present identically so the
// existence of a conversation is not revealed to non-members.
func IsNotAvailable(err error) bool {
	return errors.Is(err, ErrNotAuthorized) || errors.Is(err, ErrNotFound)
}
