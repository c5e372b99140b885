package schemas

import (
	"errors"
	"fmt"
)

// ErrSeatLimit is the in-flight signal that the institutional access
// pool is fully utilized. It is recovered locally by the quota
// controller and only escalates to QuotaExhaustedError once the retry
// budget is spent.
var ErrSeatLimit = errors.New("seat limit active")

// AuthenticationError means the login sequence did not reach its
// success condition. Fatal for the whole run.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// NavigationError means an expected interactive element never appeared.
// Aborts the current target only; the batch continues.
type NavigationError struct {
	Step     string
	Selector string
	Err      error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed at %s (selector %q): %v", e.Step, e.Selector, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// QuotaExhaustedError means the seat-limit retry budget is spent.
type QuotaExhaustedError struct {
	Attempts uint
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted after %d attempts", e.Attempts)
}

// DownloadTimeoutError means a download batch never stabilized at a
// viable artifact count before the hard timeout.
type DownloadTimeoutError struct {
	Dir      string
	Observed int
	Expected int
}

func (e *DownloadTimeoutError) Error() string {
	return fmt.Sprintf("download batch in %s timed out: observed %d of %d artifacts", e.Dir, e.Observed, e.Expected)
}

// FilesystemError means the destination filesystem kept refusing an
// observation or write after transient retries.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// IsSeatLimit reports whether err carries the seat-limit signal.
func IsSeatLimit(err error) bool {
	return errors.Is(err, ErrSeatLimit)
}

// IsFatal reports whether err should end the whole run rather than just
// the current target.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
