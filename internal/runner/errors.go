package runner

import (
	"context"
	"errors"
)

// terminatedMessage is the fixed text carried by every termination error.
const terminatedMessage = "Optimization run has been terminated!"

// ErrTerminated is the sentinel for a deliberate end of a run: a kill or a
// satisfied termination condition. It is a control-flow signal, not a failure.
// Use errors.Is(err, ErrTerminated) to check for it.
var ErrTerminated = &TerminationError{}

// TerminationError reports why a run was ended deliberately.
type TerminationError struct {
	Reason string
}

func (e *TerminationError) Error() string {
	if e.Reason != "" {
		return terminatedMessage + " (" + e.Reason + ")"
	}
	return terminatedMessage
}

func (e *TerminationError) Is(target error) bool {
	_, ok := target.(*TerminationError)
	return ok
}

func terminated(reason string) error {
	return &TerminationError{Reason: reason}
}

// IsTerminated reports whether err ended a run deliberately. Context
// cancellation counts, since it is how callers stop a run from outside.
func IsTerminated(err error) bool {
	return errors.Is(err, ErrTerminated) || errors.Is(err, context.Canceled)
}
