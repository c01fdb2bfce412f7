package engine

import (
	"context"
	"sync"
	"time"
)

// Worker is the narrow surface the coordinator needs from an execution
// environment. The production implementation is a lua.Session; tests
// substitute instrumented workers.
type Worker interface {
	// SymbolExists reports whether name is bound in the session, without
	// triggering any execution.
	SymbolExists(name string) bool
	// Run executes code in the persistent session. The context bounds
	// execution time.
	Run(ctx context.Context, code string) error
	// Bind materializes a dependency from a reloaded result value.
	Bind(name string, value any) error
	// Export reads a bound global as a plain Go value.
	Export(name string) (any, error)
	// GlobalIsFunction reports whether name is bound to a callable.
	GlobalIsFunction(name string) bool
	// Close tears down the session and all its bindings.
	Close()
}

// SessionFactory creates the worker for a project, lazily, on first use.
type SessionFactory func(projectID string) Worker

// Sessions owns one worker per project. Acquire hands out the worker with
// the project's lock held for the whole resolution chain; a second request
// for the same project queues behind that lock rather than erroring. Idle
// workers are evicted after a configurable period.
type Sessions struct {
	mu      sync.Mutex
	idle    time.Duration
	factory SessionFactory
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	mu     sync.Mutex
	worker Worker
	timer  *time.Timer
	closed bool
}

func NewSessions(idle time.Duration, factory SessionFactory) *Sessions {
	return &Sessions{
		idle:    idle,
		factory: factory,
		entries: make(map[string]*sessionEntry),
	}
}

// Acquire returns the project's worker with its lock held. Callers must
// pair every Acquire with a Release.
func (s *Sessions) Acquire(projectID string) Worker {
	for {
		s.mu.Lock()
		e, ok := s.entries[projectID]
		if !ok {
			e = &sessionEntry{worker: s.factory(projectID)}
			s.entries[projectID] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if e.closed {
			// Evicted while we were queued; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		return e.worker
	}
}

// Release unlocks the project's worker and re-arms the idle eviction timer.
func (s *Sessions) Release(projectID string) {
	s.mu.Lock()
	e, ok := s.entries[projectID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.idle > 0 {
		e.timer = time.AfterFunc(s.idle, func() {
			s.evict(projectID, e)
		})
	}
	e.mu.Unlock()
}

func (s *Sessions) evict(projectID string, e *sessionEntry) {
	// A held lock means the worker is mid-chain; the eventual Release
	// re-arms the timer, so skipping here is safe.
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	s.mu.Lock()
	if s.entries[projectID] == e {
		delete(s.entries, projectID)
	}
	s.mu.Unlock()

	e.closed = true
	e.worker.Close()
}

// Evict tears down a project's worker immediately, waiting for any active
// chain to finish first.
func (s *Sessions) Evict(projectID string) {
	s.mu.Lock()
	e, ok := s.entries[projectID]
	if ok {
		delete(s.entries, projectID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.closed = true
	e.worker.Close()
}

// Shutdown evicts every worker. Intended for process teardown.
func (s *Sessions) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Evict(id)
	}
}
