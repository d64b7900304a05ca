package jobs

import "github.com/cockroachdb/errors"

// ErrInvalidJob marks every validation failure from Create and Edit.
var ErrInvalidJob = errors.New("invalid job")

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidJob)
}

func invalid(err error) error {
	return errors.Mark(err, ErrInvalidJob)
}
