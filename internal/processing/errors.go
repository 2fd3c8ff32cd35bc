package processing

import (
	"errors"
	"fmt"
)

// ErrRetryNotSupported is returned by Retry. Re-running a document is done
// by calling Process again.
var ErrRetryNotSupported = errors.New("retry is not implemented yet")

// InvalidInputError reports a document that cannot be processed because it
// lacks a usable identifier or content reference. It is raised before any
// remote call is made.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid document: %s %s", e.Field, e.Reason)
}

// StageFailureError reports a remote stage that failed. It is terminal for
// the current run of the document.
type StageFailureError struct {
	Stage string
	Err   error
}

func (e *StageFailureError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageFailureError) Unwrap() error { return e.Err }

// IsInvalidInput reports whether err is (or wraps) an InvalidInputError.
func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

// FailedStage returns the stage id carried by a StageFailureError in err's
// chain, or "" when there is none.
func FailedStage(err error) string {
	var target *StageFailureError
	if errors.As(err, &target) {
		return target.Stage
	}
	return ""
}
