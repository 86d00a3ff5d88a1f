package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/huddle/internal/util"
)

type cleanup struct {
	name string
	fn   func() error
}

// scope collects cleanups as resources are acquired and runs them in
// reverse order. Every cleanup runs even when an earlier one fails.
type scope struct {
	log util.Logger

	mu    sync.Mutex
	steps []cleanup
}

func newScope(log util.Logger) *scope {
	return &scope{log: log}
}

func (s *scope) Defer(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, cleanup{name, fn})
}

// Close runs and forgets every registered cleanup. Failures are logged and
// joined.
func (s *scope) Close() error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		if err := runCleanup(st.fn); err != nil {
			s.log.Warn("cleanup failed", "step", st.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		s.log.Debug("cleanup done", "step", st.name)
	}
	return errors.Join(errs...)
}

func runCleanup(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
