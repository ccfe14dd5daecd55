package pipeline

import (
	"errors"
	"fmt"
)

// terminalError marks a failure that retrying cannot fix: the job goes
// straight to status error. Everything else is retried with backoff until
// attempts run out.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so IsTerminal reports true for it.
func Terminal(err error) error {
	return &terminalError{err: err}
}

// terminalf builds a terminal failure from a format string.
func terminalf(format string, args ...any) error {
	return &terminalError{err: fmt.Errorf(format, args...)}
}

// IsTerminal reports whether err carries a terminal failure anywhere in its
// chain. Callers settle terminal failures with MarkError and everything else
// with MarkRetry.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
