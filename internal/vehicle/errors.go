package vehicle

import (
	"context"
	"errors"
	"fmt"
)

// GenericFailure is the only failure text shown to requesters.
const GenericFailure = "An error occurred while checking the vehicle. Please try again."

// Error taxonomy.
var (
	ErrTransientStage     = errors.New("vehicle: transient stage failure")
	ErrLoadTimeout        = errors.New("vehicle: page asset did not load in time")
	ErrOutOfCredit        = errors.New("vehicle: captcha solver balance exhausted")
	ErrAlreadyInProgress  = errors.New("vehicle: request already in progress")
	ErrSubmissionRejected = errors.New("vehicle: captcha submission rejected")
	ErrSolvingFailed      = errors.New("vehicle: captcha solving failed")
	ErrSolvingExhausted   = errors.New("vehicle: captcha solution not ready after all polls")
	ErrStuck              = errors.New("vehicle: stage exceeded attempt ceiling")
	ErrInvalidInput       = errors.New("vehicle: invalid identity input")
	ErrInvalidRecord      = errors.New("vehicle: invalid record")
	ErrNotFound           = errors.New("vehicle: not found")
	ErrHalted             = errors.New("vehicle: scheduler halted")
	ErrElementTimeout     = errors.New("vehicle: element wait timed out")
)

// StageError records which stage attempt produced an error.
type StageError struct {
	Stage   string
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort the pipeline without a retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLoadTimeout) ||
		errors.Is(err, ErrOutOfCredit) ||
		errors.Is(err, ErrStuck) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a stage that failed with err may be rerun.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrTransientStage) ||
		errors.Is(err, ErrSolvingFailed) ||
		errors.Is(err, ErrSolvingExhausted) ||
		errors.Is(err, ErrSubmissionRejected) ||
		errors.Is(err, ErrElementTimeout)
}

// IsSolverFailure reports whether err came from an unsolved captcha.
func IsSolverFailure(err error) bool {
	return errors.Is(err, ErrSolvingFailed) ||
		errors.Is(err, ErrSolvingExhausted) ||
		errors.Is(err, ErrSubmissionRejected)
}
