package processor

import (
	"errors"
	"fmt"
)

// Terminal processing errors. None of them is retried.
var (
	ErrSenderNotFound   = errors.New("sender not found")
	ErrReceiverNotFound = errors.New("receiver not found")
	ErrSenderInactive   = errors.New("sender inactive")
	ErrChatNotFound     = errors.New("chat not found")
	ErrNotParticipant   = errors.New("not a chat participant")
	ErrEmptyText        = errors.New("empty text")
	ErrTextTooLong      = errors.New("text too long")
	ErrVoiceDisabled    = errors.New("voice storage disabled")
)

// PersistenceError reports that the message could not be stored. The caller
// surfaces it to the client, which may offer a manual retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is a *PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
