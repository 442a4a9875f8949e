package health

import (
	"net/http"
)

// SetupHttpMux registers the checker on /health.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", NewCheckHandler(checker))
}
