package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// CheckHandler serves a Checker over HTTP: 204 when healthy, 503 with the
// failure text otherwise.
type CheckHandler struct {
	checker Checker
}

func NewCheckHandler(checker Checker) *CheckHandler {
	return &CheckHandler{checker: checker}
}

func (h *CheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}
