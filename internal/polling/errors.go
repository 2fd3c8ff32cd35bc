package polling

import (
	"errors"
	"fmt"
)

// AttemptsExceededError is reported through OnError when a loop reaches its
// attempt budget without ShouldStop returning true.
type AttemptsExceededError struct {
	Key         string
	MaxAttempts int
}

func (e *AttemptsExceededError) Error() string {
	return fmt.Sprintf("polling %s: max attempts (%d) exceeded", e.Key, e.MaxAttempts)
}

// PollFunctionError is reported through OnError when the poll function
// itself fails. The loop stops on the first such failure.
type PollFunctionError struct {
	Key     string
	Attempt int
	Err     error
}

func (e *PollFunctionError) Error() string {
	return fmt.Sprintf("polling %s: attempt %d failed: %v", e.Key, e.Attempt, e.Err)
}

func (e *PollFunctionError) Unwrap() error { return e.Err }

// IsAttemptsExceeded reports whether err is (or wraps) an AttemptsExceededError.
func IsAttemptsExceeded(err error) bool {
	var target *AttemptsExceededError
	return errors.As(err, &target)
}

var errNilPollFunc = errors.New("poll function is nil")
