// Package guard provides a mutex that survives panics in its critical
// section.
//
// A panic inside With marks the guard poisoned instead of leaving the
// lock held or tearing down the process. Later callers still get the
// value, so a single bad event cannot wedge the input path.
package guard

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"keyrxd/internal/logging"
)

// ErrPoisoned matches the error returned by a With call whose function
// panicked.
var ErrPoisoned = errors.New("guard: lock poisoned")

// PanicError carries the recovered panic.
type PanicError struct {
	Guard string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("guard %s: panic in critical section: %v", e.Guard, e.Value)
}

func (e *PanicError) Is(target error) bool { return target == ErrPoisoned }

// Guard protects a value of type T.
type Guard[T any] struct {
	name     string
	mu       sync.Mutex
	value    T
	poisoned atomic.Bool
	log      *logging.Logger
	onPoison func(*PanicError)
}

// New returns a guard around value. A nil logger uses logging.Default().
func New[T any](name string, value T, log *logging.Logger) *Guard[T] {
	if log == nil {
		log = logging.Default()
	}
	return &Guard[T]{name: name, value: value, log: log}
}

// OnPoison registers fn to run, outside the lock, each time a critical
// section panics.
func (g *Guard[T]) OnPoison(fn func(*PanicError)) {
	g.mu.Lock()
	g.onPoison = fn
	g.mu.Unlock()
}

// With runs fn with exclusive access to the value. If fn panics the panic
// is recovered, the guard is marked poisoned and a *PanicError is
// returned. The lock is always released.
func (g *Guard[T]) With(fn func(*T)) error {
	perr, hook := g.run(fn)
	if perr == nil {
		return nil
	}
	g.log.Warn("lock poisoned", "guard", g.name, "panic", fmt.Sprint(perr.Value))
	if hook != nil {
		hook(perr)
	}
	return perr
}

func (g *Guard[T]) run(fn func(*T)) (perr *PanicError, hook func(*PanicError)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			g.poisoned.Store(true)
			perr = &PanicError{Guard: g.name, Value: r, Stack: string(debug.Stack())}
			hook = g.onPoison
		}
	}()
	fn(&g.value)
	return nil, nil
}

// Poisoned reports whether any critical section has panicked since the
// last ClearPoison.
func (g *Guard[T]) Poisoned() bool { return g.poisoned.Load() }

// ClearPoison resets the poisoned flag.
func (g *Guard[T]) ClearPoison() { g.poisoned.Store(false) }

// Name returns the guard name used in logs.
func (g *Guard[T]) Name() string { return g.name }
