package state

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt is returned when a stored snapshot cannot be parsed or fails
	// validation. The store is never modified when it is returned.
	ErrCorrupt = errors.New("state store corrupt")

	ErrLocked = errors.New("state is locked")

	// ErrLockLost is returned when refreshing a lock this process no longer
	// holds.
	ErrLockLost = errors.New("state lock lost")

	// ErrSerialConflict is returned when a commit does not advance the serial
	// of the stored snapshot.
	ErrSerialConflict = errors.New("state serial conflict")
)

type CorruptError struct {
	Location string
	Reason   string
	Err      error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("%v: %s: %s", ErrCorrupt, e.Location, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

func (e *CorruptError) Unwrap() error { return e.Err }

type LockedError struct {
	Location string
	Holder   string
}

func (e *LockedError) Error() string {
	msg := fmt.Sprintf("%v (%s)", ErrLocked, e.Location)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + ". If this is an error, remove the lock manually"
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }
