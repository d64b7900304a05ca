package executor

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Error kinds written to ErrorLog.Kind.
const (
	KindConfiguration = "configuration"
	KindTimeout       = "timeout"
	KindHTTPStatus    = "http-status"
	KindNetwork       = "network"
	KindGeneric       = "generic"
	KindAbandoned     = "abandoned"
	KindSchedule      = "invalid-schedule"
)

// ConfigurationError reports unusable request settings on a job
// (malformed header JSON, invalid body, unbuildable request).
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}
func (e *ConfigurationError) Unwrap() error { return e.Err }
func (e *ConfigurationError) Kind() string  { return KindConfiguration }

// TimeoutError reports that the job's deadline passed before a response arrived.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Timeout)
}
func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Kind() string  { return KindTimeout }

// HTTPStatusError reports a response outside the success range.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e.Status != "" {
		return "HTTP " + e.Status
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
func (e *HTTPStatusError) Kind() string { return KindHTTPStatus }

// TransportError reports a connection, DNS or other network-layer fault.
type TransportError struct {
	Err     error
	Network bool
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Kind() string {
	if e.Network {
		return KindNetwork
	}
	return KindGeneric
}

type kinder interface{ Kind() string }

// KindOf returns the ErrorLog kind for err.
func KindOf(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindGeneric
}

// classify maps an error from http.Client.Do (or body read) to the taxonomy.
// runCtx is the per-attempt context carrying the job deadline.
func classify(err error, runCtx context.Context, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &TransportError{Err: errors.Wrap(err, "request canceled")}
	}
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || strings.Contains(err.Error(), "connection reset") {
		return &TransportError{Err: err, Network: true}
	}
	return &TransportError{Err: err}
}
