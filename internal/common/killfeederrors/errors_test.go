package killfeederrors

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err       error
		retryable bool
	}{
		"nil":                 {nil, false},
		"plain error":         {errors.New("boom"), false},
		"network op error":    {&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		"dns error":           {&net.DNSError{Err: "no such host", Name: "feed.example.com"}, true},
		"connection reset":    {syscall.ECONNRESET, true},
		"attempt timeout":     {context.DeadlineExceeded, true},
		"cancelled":           {context.Canceled, false},
		"status 503":          {&ErrHTTPStatus{Service: "detail", Code: 503}, true},
		"status 429":          {&ErrHTTPStatus{Service: "feed", Code: 429}, true},
		"status 404":          {&ErrHTTPStatus{Service: "detail", Code: 404}, false},
		"status 400":          {&ErrHTTPStatus{Service: "feed", Code: 400}, false},
		"validation":          {&ErrValidation{Type: "killmailRef", Message: "missing hash"}, false},
		"circuit open":        {&ErrCircuitOpen{Service: "detail"}, false},
		"exhausted":           {&ErrDependencyExhausted{Service: "detail", Attempts: 3, Err: errors.New("boom")}, false},
		"wrapped transient":   {errors.Wrap(&ErrHTTPStatus{Service: "feed", Code: 500}, "fetching page 2"), true},
		"wrapped validation":  {errors.WithMessage(&ErrValidation{Type: "detail"}, "record 1001"), false},
		"wrapped cancelled":   {fmt.Errorf("fetch: %w", context.Canceled), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestIsRetryablePostgresError(t *testing.T) {
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.ConnectionFailure}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.AdminShutdown}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.TooManyConnections}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	assert.False(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.SyntaxError}))
	assert.False(t, IsRetryablePostgresError(errors.New("boom")))
	assert.True(t, IsRetryablePostgresError(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
}

func TestDependencyExhaustedUnwraps(t *testing.T) {
	inner := &ErrHTTPStatus{Service: "detail", URL: "http://detail/records/1001/abc", Code: 503}
	err := error(&ErrDependencyExhausted{Service: "detail", Attempts: 3, Err: inner})

	var statusErr *ErrHTTPStatus
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.Code)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestCheckpointWriteUnwraps(t *testing.T) {
	inner := &pgconn.PgError{Code: pgerrcode.ConnectionFailure}
	err := error(&ErrCheckpointWrite{Stream: "kills:42", Err: inner})

	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
	assert.Contains(t, err.Error(), `stream "kills:42"`)
}

func TestErrCircuitOpenMessage(t *testing.T) {
	until := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := &ErrCircuitOpen{Service: "feed", Until: until}
	assert.Contains(t, err.Error(), `circuit open for "feed"`)
	assert.Contains(t, err.Error(), "2024-03-01T12:00:00Z")
}
