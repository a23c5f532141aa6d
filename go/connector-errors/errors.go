package errors

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Kinds of fatal errors raised by the load coordinator. Each indicates a
// breach of an upstream or internal contract which cannot be repaired by
// retrying, and aborts the run with the original cause attached.
var (
	// ErrOrdering is an out-of-order checkpoint index, a regressed emission
	// index, or a mix of stream and global checkpoints within one sync.
	ErrOrdering = errors.New("checkpoint ordering violation")
	// ErrGuard is a lifecycle guard violation, like reading after end-of-stream
	// or marking a sync successful twice.
	ErrGuard = errors.New("guard violation")
	// ErrCapacity is a request for more capacity than will ever be available.
	ErrCapacity = errors.New("capacity exceeded")
)

// Orderingf returns an error wrapping ErrOrdering.
func Orderingf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOrdering, fmt.Sprintf(format, args...))
}

// Guardf returns an error wrapping ErrGuard.
func Guardf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGuard, fmt.Sprintf(format, args...))
}

// Capacityf returns an error wrapping ErrCapacity.
func Capacityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCapacity, fmt.Sprintf(format, args...))
}

// IsFatal is true if err is any of the fatal error kinds.
func IsFatal(err error) bool {
	return errors.Is(err, ErrOrdering) || errors.Is(err, ErrGuard) || errors.Is(err, ErrCapacity)
}

// UserError wraps a source error with a user-facing message for the error string. The source error
// can be provided so that it can be logged separately from the user-facing message for diagnostic
// purposes.
type UserError struct {
	message string
	source  error
}

// NewUserError creates a UserError that will output message as the error string.
func NewUserError(source error, message string) *UserError {
	return &UserError{
		message: message,
		source:  source,
	}
}

func (e *UserError) Unwrap() error { return e.source }
func (e *UserError) Error() string { return e.message }

// Source returns the wrapped source error.
func (e *UserError) Source() error { return e.source }

// HandleFinalError logs the final error of a run and exits with a non-zero
// status. User errors are logged with their source, fatal contract violations
// are logged with their kind, and anything else is written to stderr as-is.
func HandleFinalError(err error) {
	var userError *UserError
	if errors.As(err, &userError) {
		log.WithFields(log.Fields{
			"source": userError.Source(),
		}).Fatal(userError)
	}

	if IsFatal(err) {
		log.WithFields(log.Fields{
			"ordering": errors.Is(err, ErrOrdering),
			"guard":    errors.Is(err, ErrGuard),
			"capacity": errors.Is(err, ErrCapacity),
		}).Fatal(err)
	}

	_, _ = os.Stderr.WriteString(err.Error())
	_, _ = os.Stderr.Write([]byte("\n"))
	os.Exit(1)
}

// PrereqErr is a wrapper for recording accumulated errors during configuration checks and
// formatting them for user presentation.
type PrereqErr struct {
	errs []error
}

// Err adds an error to the accumulated list of errors.
func (e *PrereqErr) Err(err error) {
	e.errs = append(e.errs, err)
}

func (e *PrereqErr) Len() int {
	return len(e.errs)
}

func (e *PrereqErr) Unwrap() []error {
	return e.errs
}

func (e *PrereqErr) Error() string {
	var b = new(strings.Builder)
	fmt.Fprintf(b, "the load cannot run due to the following error(s):")
	for _, err := range e.errs {
		b.WriteString("\n - ")
		b.WriteString(err.Error())
	}
	return b.String()
}
