package btree

import "errors"

// Error surface of the engine. Callers test with errors.Is; everything
// below may arrive wrapped with operation context.
var (
	// ErrBadArgument reports a malformed option, a missing required field,
	// or an out-of-range fetch.
	ErrBadArgument = errors.New("bad argument")

	// ErrFileNotOpen reports an operation on a closed index.
	ErrFileNotOpen = errors.New("file not open")

	// ErrIllegalFileAccess reports an operation issued in the wrong open
	// mode.
	ErrIllegalFileAccess = errors.New("illegal file access")

	// ErrNotSupported reports an unsupported type or a second open on one
	// handle.
	ErrNotSupported = errors.New("not supported")

	// ErrUniquenessViolation reports an insert or update that would break
	// the configured uniqueness constraint. No mutation has occurred.
	ErrUniquenessViolation = errors.New("uniqueness violation")

	// ErrEntryNotFound reports an absent update/delete/fetch target.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrMemoryExhaust reports that the paged file could not service a fix.
	// Mutating operations retry once with the page cache disabled.
	ErrMemoryExhaust = errors.New("memory exhausted")

	// ErrUnexpected reports an uncaught underlying failure after the
	// recovery set has rolled the operation back.
	ErrUnexpected = errors.New("unexpected failure")
)
