package signal

import (
	"github.com/pkg/errors"
)

// Errors reported by the room protocol to the application.
var (
	// ErrRoomNotFound is returned when a callee joins a room that does not exist
	// or whose offer has not been posted yet.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomConflict is returned when an offer or an answer is already present
	// at the moment this participant tries to write one.
	ErrRoomConflict = errors.New("room conflict")

	// ErrStoreUnavailable marks a transient I/O failure of the signaling store.
	ErrStoreUnavailable = errors.New("signaling store unavailable")

	// ErrTransportFailure is the terminal error of a call whose transport
	// reported a fatal connection state.
	ErrTransportFailure = errors.New("transport failure")

	// ErrAnswerRejected is the terminal error of a call whose answer could not
	// be applied. The room holds one answer per call, so it is never retried.
	ErrAnswerRejected = errors.New("answer rejected")

	ErrInvalidRoomID = errors.New("invalid room id")
	ErrInvalidState  = errors.New("invalid negotiation state")
)

// Errors returned by Store implementations.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentConflict = errors.New("document conflict")
)

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrStoreUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *unavailableError) Unwrap() error {
	return e.cause
}

// Unavailable wraps a store I/O error so that it matches ErrStoreUnavailable
// while keeping the original cause reachable. Nil stays nil, and errors that
// already match are returned as is.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}

	return &unavailableError{cause: err}
}
