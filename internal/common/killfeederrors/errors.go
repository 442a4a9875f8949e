// Package killfeederrors contains the error types shared across the ingestion
// pipeline. Components classify failures by recovering these types with
// errors.As, as opposed to matching on error strings.
//
// The pipeline distinguishes four classes of failure: transient errors (worth
// retrying), validation errors (never retried, the record is dropped),
// dependency-exhausted errors (retry budget spent or circuit open, the record
// is skipped), and checkpoint write failures (end the current backfill run).
package killfeederrors

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "killmail" or "checkpoint"
	Value   string // Resource key, e.g., "1001"
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrValidation indicates a payload from an upstream service failed boundary
// validation, or a field holds a value the pipeline cannot accept. Validation
// errors are never retried; the offending record is dropped and counted.
type ErrValidation struct {
	Type    string      // Payload or field name, e.g., "killmailRef" or "occurredAt"
	Value   interface{} // The offending value, if useful in the message
	Message string      // Why the value was rejected
}

func (err *ErrValidation) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for %q", err.Value, err.Type)
	}
	return fmt.Sprintf("value %q is invalid for %q; %s", err.Value, err.Type, err.Message)
}

// ErrHTTPStatus indicates an upstream service answered with a non-2xx status code.
// Whether the error is transient follows from the code (see IsRetryableStatus).
type ErrHTTPStatus struct {
	Service string // Upstream service name, e.g., "feed" or "detail"
	URL     string
	Code    int
}

func (err *ErrHTTPStatus) Error() string {
	return fmt.Sprintf("%s request to %s returned status %d", err.Service, err.URL, err.Code)
}

// ErrCircuitOpen is returned when a circuit breaker rejects a call without
// invoking the wrapped operation. Not retryable; the caller skips the record
// and the breaker re-tests the dependency on its own schedule.
type ErrCircuitOpen struct {
	Service string    // Service the breaker guards
	Until   time.Time // Earliest time a trial call will be allowed through
}

func (err *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for %q until %s", err.Service, err.Until.Format(time.RFC3339))
}

// ErrDependencyExhausted wraps the last error of a retry sequence that spent
// its whole attempt budget. The wrapped error remains reachable via errors.As.
type ErrDependencyExhausted struct {
	Service  string // Service the retried operation targeted
	Attempts int    // Attempts made, equal to the configured maximum
	Err      error  // Last error observed
}

func (err *ErrDependencyExhausted) Error() string {
	return fmt.Sprintf("%q still failing after %d attempts: %s", err.Service, err.Attempts, err.Err)
}

func (err *ErrDependencyExhausted) Unwrap() error {
	return err.Err
}

// ErrCheckpointWrite indicates the durable cursor for a stream could not be
// advanced. It ends the current backfill run; re-running is safe because
// ingestion is idempotent.
type ErrCheckpointWrite struct {
	Stream string
	Err    error
}

func (err *ErrCheckpointWrite) Error() string {
	return fmt.Sprintf("failed to advance checkpoint for stream %q: %s", err.Stream, err.Err)
}

func (err *ErrCheckpointWrite) Unwrap() error {
	return err.Err
}

// IsNetworkError returns true if err is an error at the network level,
// e.g., a broken or refused connection or a dial timeout.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// IsRetryableStatus returns true for status codes that indicate a transient
// upstream condition: explicit rate limiting (429) and server errors (5xx).
func IsRetryableStatus(code int) bool {
	return code == 429 || (code >= 500 && code < 600)
}

// IsTransient returns true if err belongs to the transient class: network
// errors, per-attempt timeouts, and retryable upstream status codes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *ErrHTTPStatus
	if errors.As(err, &statusErr) {
		return IsRetryableStatus(statusErr.Code)
	}
	return IsNetworkError(err)
}

// IsRetryable is the default predicate consulted by the retry executor.
// Cancellation, validation failures, open circuits, and already-exhausted
// dependencies are never retried; everything transient is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	{
		var e *ErrValidation
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrCircuitOpen
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrDependencyExhausted
		if errors.As(err, &e) {
			return false
		}
	}
	return IsTransient(err)
}

// IsRetryablePostgresError returns true if the given error could be due to a
// transient database condition, i.e., one under which retrying the operation
// may succeed. Connection-class failures and shutdown notices qualify;
// constraint violations and syntax errors do not.
func IsRetryablePostgresError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code):
			return true
		case pgErr.Code == pgerrcode.AdminShutdown || pgErr.Code == pgerrcode.CrashShutdown || pgErr.Code == pgerrcode.CannotConnectNow:
			return true
		case pgErr.Code == pgerrcode.TooManyConnections:
			return true
		case pgerrcode.IsTransactionRollback(pgErr.Code):
			// Serialization failures and deadlocks resolve on retry.
			return true
		}
		return false
	}
	return IsNetworkError(err)
}
