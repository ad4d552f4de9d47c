package mpcs

import "errors"

var (
	ErrInvalidArg     = errors.New("mpcs: invalid argument")
	ErrAlreadyExists  = errors.New("mpcs: lock already exists")
	ErrResource       = errors.New("mpcs: directory full")
	ErrNotFound       = errors.New("mpcs: lock not found")
	ErrWrongState     = errors.New("mpcs: wrong state")
	ErrNotInitialized = errors.New("mpcs: directory not initialized")
	ErrLockFailure    = errors.New("mpcs: lock failure")
)
