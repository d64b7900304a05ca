package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped     = errors.New("dispatch engine stopped")
	ErrOverlapSkip = errors.New("dispatch skipped: job already in flight")
	ErrSaturated   = errors.New("dispatch deferred: no free execution slot")
	ErrRateLimited = errors.New("dispatch deferred: dispatch rate exceeded")
)

// Deferred reports whether err means "try again on a later pass".
func Deferred(err error) bool {
	return errors.Is(err, ErrSaturated) || errors.Is(err, ErrRateLimited)
}
