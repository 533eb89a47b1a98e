package xconfbus

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrBusClosed             = errors.New("xconfbus: bus is closed")
	ErrInvalidTopic          = errors.New("xconfbus: topic must not be empty")
	ErrReservedTopic         = fmt.Errorf("xconfbus: topic %q is reserved for resync requests", ConfigRequestTopic)
	ErrInvalidSubscription   = errors.New("xconfbus: subscription requires topic, window and handler")
	ErrNoTransportConfigured = errors.New("xconfbus: no transport configured")
	ErrHandlerPanic          = errors.New("xconfbus: handler panic")

	ErrObserverPoolShutdownTimeout = errors.New("xconfbus: observer pool shutdown timed out")

	// ErrEmitFailure marks a notification that could not reach one or more
	// windows. The latest-value table is still updated.
	ErrEmitFailure = errors.New("xconfbus: emit failed")
	// ErrLockPoisoned is returned once a panic escaped while the table lock was
	// held. The bus is inconsistent and the process should be restarted.
	ErrLockPoisoned = errors.New("xconfbus: latest-value table lock poisoned")
	// ErrClockUnavailable is returned when the clock yields no usable wall time.
	ErrClockUnavailable = errors.New("xconfbus: wall clock unavailable")
)

// EmitError reports a failed notification for a topic.
type EmitError struct {
	Topic string
	Err   error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("xconfbus: emit %q: %v", e.Topic, e.Err)
}

func (e *EmitError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrEmitFailure) match any EmitError.
func (e *EmitError) Is(target error) bool { return target == ErrEmitFailure }
