package health

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MultiChecker aggregates several Checkers; Check fails if any member fails,
// reporting every failure. Safe for concurrent Add and Check.
type MultiChecker struct {
	mu       sync.Mutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{checkers: checkers}
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.checkers = append(mc.checkers, checker)
}

func (mc *MultiChecker) Check() error {
	mc.mu.Lock()
	checkers := make([]Checker, len(mc.checkers))
	copy(checkers, mc.checkers)
	mc.mu.Unlock()

	var failures []string
	for _, checker := range checkers {
		if err := checker.Check(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return errors.New(strings.Join(failures, "\n"))
}
