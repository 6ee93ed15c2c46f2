package relay

import (
	"errors"
	"fmt"

	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

// FallbackMessage is saved as the assistant reply when a turn produced no
// usable content.
const FallbackMessage = "reply failed, please retry"

var (
	// ErrNotFoundOrForbidden is returned before any write when the
	// conversation does not exist or belongs to another user.
	ErrNotFoundOrForbidden = errors.New("conversation does not exist or access is denied")

	// ErrEmptyMessage rejects blank user input.
	ErrEmptyMessage = errors.New("message content must not be empty")

	// ErrTurnConsumed is reported when a Turn's events are iterated twice.
	ErrTurnConsumed = errors.New("turn already consumed")

	// errDisconnected marks a turn whose consumer stopped reading.
	errDisconnected = errors.New("caller disconnected")
)

// PersistenceError wraps a store failure. It ends the turn; no partial
// save is attempted on top of a failing store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Diagnose renders err for the caller. Upstream bodies and store details
// stay in the logs.
func Diagnose(err error) string {
	var (
		upErr      *upstream.Error
		persistErr *PersistenceError
	)

	switch {
	case errors.As(err, &upErr):
		if upErr.StatusCode != 0 {
			return fmt.Sprintf("%v (status %d)", upErr.Kind, upErr.StatusCode)
		}
		return upErr.Kind.Error()
	case errors.As(err, &persistErr):
		return "failed to save the conversation, please retry"
	default:
		return "reply failed: " + err.Error()
	}
}
