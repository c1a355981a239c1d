// Package dberr defines the error kinds surfaced by the caldera storage
// engine. Every externally visible failure maps to exactly one of these
// sentinels; callers discriminate with errors.Is.
package dberr

import "errors"

var (
	// not-found
	ErrKeyNotFound      = errors.New("key not found")
	ErrDatabaseNotFound = errors.New("database not found")

	// already-exists
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrDatabaseExists = errors.New("database already exists")

	// invalid-arg
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotImplemented  = errors.New("operation not implemented for this device")

	// limits-reached
	ErrLimitsReached = errors.New("storage limits reached")

	// conflict
	ErrTxnConflict     = errors.New("transaction conflict")
	ErrCursorStillOpen = errors.New("cursor still open")
	ErrWouldBlock      = errors.New("operation would block")

	// cursor misuse
	ErrCursorIsNil = errors.New("cursor has no position")

	// io
	ErrIO = errors.New("i/o error")

	// corrupt
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrCorrupt          = errors.New("data corruption detected")

	// read-only environment (after a fatal error or read-only open)
	ErrReadOnly = errors.New("environment is read-only")

	// internal
	ErrInternal = errors.New("internal error")
)
