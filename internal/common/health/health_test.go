package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	ok := CheckerFunc(func() error { return nil })
	bad := CheckerFunc(func() error { return errors.New("database unreachable") })

	mc := NewMultiChecker(ok, ok)
	assert.NoError(t, mc.Check())

	mc.Add(bad)
	err := mc.Check()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database unreachable")
}

func TestStartupCompleteChecker(t *testing.T) {
	checker := NewStartupCompleteChecker()
	assert.Error(t, checker.Check())

	checker.MarkComplete()
	assert.NoError(t, checker.Check())
}

func TestCheckHandler(t *testing.T) {
	checker := NewStartupCompleteChecker()
	handler := NewCheckHandler(checker)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "startup not complete")

	checker.MarkComplete()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
