package image

import "github.com/pkg/errors"

// Sentinel errors surfaced by Read/Write/Truncate, per spec.md §7's error
// taxonomy. EOF is deliberately not one of these: per spec.md §4.8,
// reaching the end of the image is reported as a short (possibly
// zero-length) result with a nil error, not a distinguished error value.
var (
	// ErrInterrupted is returned when the host-supplied cancellation
	// predicate fired before any (or before all) requested bytes were
	// transferred.
	ErrInterrupted = errors.New("vmnetfs: interrupted")

	// ErrIO covers both exhausted-retry network failures and fatal
	// transport failures (validator mismatch, short body, auth
	// rejection); both increment io_errors and are otherwise
	// indistinguishable to the caller per spec.md §7.
	ErrIO = errors.New("vmnetfs: I/O error")
)
