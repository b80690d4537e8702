package chronoq

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("chronoq: no store configured")
	ErrNoTransport = errors.New("chronoq: no transport configured")

	// Not found errors.
	ErrJobNotFound  = errors.New("chronoq: job not found")
	ErrNodeNotFound = errors.New("chronoq: node not found")

	// Conflict errors.
	//
	// ErrVersionConflict is the expected race-resolution path, not a fault:
	// a conditional write lost to a concurrent writer and the caller should
	// abandon this attempt (the store returns the current record alongside).
	ErrVersionConflict         = errors.New("chronoq: version conflict")
	ErrJobAlreadyExists        = errors.New("chronoq: job already exists")
	ErrDuplicateIdempotencyKey = errors.New("chronoq: duplicate idempotency key")

	// State errors.
	//
	// ErrInvalidTransition marks a status edge the machine does not allow.
	// Unlike a version conflict it is a programming error: the caller held
	// the current version and still asked for an illegal move.
	ErrInvalidTransition = errors.New("chronoq: invalid status transition")

	// Lock errors.
	ErrLockNotHeld = errors.New("chronoq: lock not held")
)
