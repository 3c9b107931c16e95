package chat

import (
	"errors"
	"fmt"

	"convsync/models"
	"convsync/storage"
)

// The error taxonomy lives in models so client-side packages can match it
// without linking the storage layer.
var (
	ErrNotAuthorized = models.ErrNotAuthorized
	ErrNotFound      = models.ErrNotFound
	ErrInvalidInput  = models.ErrInvalidInput
	ErrTransientIO   = models.ErrTransientIO
)

// IsNotAvailable reports errors that callers must present identically so the
// existence of a conversation is not revealed to non-members.
func IsNotAvailable(err error) bool {
	return models.IsNotAvailable(err)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// translate maps storage errors into the chat taxonomy. Anything unrecognised is
// treated as a transient failure and keeps its cause in the chain, so context
// cancellation stays detectable with errors.Is.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotParticipant), errors.Is(err, storage.ErrNotSender):
		return fmt.Errorf("%s: %w", op, ErrNotAuthorized)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, storage.ErrMessageDeleted):
		return fmt.Errorf("%s: %w: message is deleted", op, ErrInvalidInput)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
	}
}
