package pump

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPumpStarted is returned by Start on a pump that was already started
	ErrPumpStarted = errors.New("pump: already started")

	// ErrListenerClosed is returned by Listener.Accept once the listener
	// has been closed. Accept workers exit when they see it.
	ErrListenerClosed = errors.New("pump: listener closed")
)

// BindError is returned by Start when the listener could not bind
type BindError struct {
	Addresses []string
	Cause     error
}

// Error implements the [error] interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("pump: failed to bind %s: %s", strings.Join(e.Addresses, ", "), e.Cause)
}

// Unwrap implements the implicit interface used by [errors.Is] and [errors.As].
func (e *BindError) Unwrap() error {
	return e.Cause
}

// AcceptError wraps a listener failure seen by an accept worker
type AcceptError struct {
	Worker int
	Cause  error
}

// Error implements the [error] interface.
func (e *AcceptError) Error() string {
	return fmt.Sprintf("pump: accept worker %d: %s", e.Worker, e.Cause)
}

// Unwrap implements the implicit interface used by [errors.Is] and [errors.As].
func (e *AcceptError) Unwrap() error {
	return e.Cause
}

// RecoveredPanicError carries a panic raised by the application or one of
// its callbacks
type RecoveredPanicError struct {
	Value any
}

// Error implements the [error] interface.
func (e *RecoveredPanicError) Error() string {
	return fmt.Sprintf("pump: recovered from panic: %v", e.Value)
}

func errRecover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	rerr, ok := r.(error)
	if !ok {
		rerr = &RecoveredPanicError{Value: r}
	}
	*err = errors.Join(*err, rerr)
}
