package pipeline

import (
	"keyrxd/internal/guard"
	"keyrxd/internal/logging"
)

// Guard is the poison-aware mutex used around session state.
type Guard[T any] = guard.Guard[T]

// NewGuard returns a Guard around value.
func NewGuard[T any](name string, value T, log *logging.Logger) *Guard[T] {
	return guard.New(name, value, log)
}

// ErrPoisoned matches errors from a critical section that panicked.
var ErrPoisoned = guard.ErrPoisoned

// PanicError is the error a poisoned critical section reports.
type PanicError = guard.PanicError
