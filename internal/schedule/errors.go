package schedule

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// InvalidScheduleError reports a cron expression that cannot be evaluated.
// It is raised when a job is created or edited and is never retried.
type InvalidScheduleError struct {
	Expr   string
	Reason string
	Err    error
}

func (e *InvalidScheduleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid schedule %q: %s: %v", e.Expr, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid schedule %q: %s", e.Expr, e.Reason)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

func invalid(expr, reason string) error {
	return &InvalidScheduleError{Expr: expr, Reason: reason}
}

// IsInvalid reports whether err (or anything it wraps) is an InvalidScheduleError.
func IsInvalid(err error) bool {
	var ise *InvalidScheduleError
	return errors.As(err, &ise)
}
