package sensor

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied indicates the user or platform refused access.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSensorUnavailable indicates the platform lacks the capability.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrSensorTimeout indicates no reading arrived within the window.
	ErrSensorTimeout = errors.New("sensor timeout")
)

// Kind labels an error for metrics and user messages.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindUnavailable      Kind = "unavailable"
	KindTimeout          Kind = "timeout"
	KindUnknown          Kind = "unknown"
)

// Retryable reports whether a fresh start may succeed after this kind.
func (k Kind) Retryable() bool {
	return k != KindUnavailable
}

// Error is a classified sensor failure.
type Error struct {
	Sensor Name
	Kind   Kind
	Err    error
}

// NewError classifies err for the given sensor.
func NewError(sensor Name, err error) *Error {
	return &Error{Sensor: sensor, Kind: Classify(err), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s sensor: %v", e.Sensor, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an error onto a Kind using the package sentinels.
func Classify(err error) Kind {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se) && se.Kind != "":
		return se.Kind
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrSensorUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrSensorTimeout):
		return KindTimeout
	default:
		return KindUnknown
	}
}
