package health

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// StartupCompleteChecker fails until the owning application marks startup
// complete, so load balancers and probes hold traffic during initialisation.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (checker *StartupCompleteChecker) Check() error {
	if checker.complete.Load() {
		return nil
	}
	return errors.New("startup not complete")
}

func (checker *StartupCompleteChecker) MarkComplete() {
	checker.complete.Store(true)
}
