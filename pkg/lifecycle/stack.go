// Package lifecycle manages process-wide resources that are acquired once at
// start-up and released once at exit.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Closer is a resource that needs cleanup.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

type entry struct {
	name   string
	closer Closer
}

// Stack releases registered resources in reverse registration order, so a
// resource is always closed before the ones it was built on.
type Stack struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewStack returns an empty Stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push registers c under name. Pushing onto a closed stack closes c at once.
func (s *Stack) Push(name string, c Closer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := c.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	}
	s.entries = append(s.entries, entry{name: name, closer: c})
	s.mu.Unlock()
	return nil
}

// Release closes the most recently pushed resource named name ahead of the
// rest of the stack and forgets it. Unknown names are a no-op.
func (s *Stack) Release(name string) error {
	s.mu.Lock()
	idx := -1
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	e := s.entries[idx]
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.mu.Unlock()

	if err := e.closer.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// Len returns the number of resources still held.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close releases every resource, continuing past failures. Errors are
// aggregated. Calling Close again is a no-op.
func (s *Stack) Close() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.closed = true
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", e.name, err))
		}
	}
	return result.ErrorOrNil()
}
