// Package sensor defines the platform boundary the trackers depend on: a
// continuous location watch, a device-orientation event stream and the
// permission API gating it.
package sensor

import (
	"context"
	"time"

	"github.com/signalsfoundry/target-bearing/model"
)

// Name identifies a sensor in logs and metrics.
type Name string

const (
	Position    Name = "position"
	Orientation Name = "orientation"
)

// WatchOptions configures a location watch.
type WatchOptions struct {
	// HighAccuracy asks the platform for its most precise fix source.
	HighAccuracy bool
	// Timeout bounds the wait for each fix. Zero disables the bound.
	Timeout time.Duration
	// MaximumAge is how old a cached fix may be; zero demands fresh data.
	MaximumAge time.Duration
}

// DefaultWatchOptions requests high-accuracy, fresh fixes with a 10s timeout.
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{
		HighAccuracy: true,
		Timeout:      10 * time.Second,
		MaximumAge:   0,
	}
}

// LocationWatcher is a continuous-location-watch primitive. Watch registers
// callbacks and returns a cancel func that deregisters them. Callbacks may
// run on any goroutine. Watch returns ErrSensorUnavailable when the platform
// has no location capability.
type LocationWatcher interface {
	Watch(opts WatchOptions, onFix func(model.PositionSample), onError func(error)) (cancel func(), err error)
}

// OrientationEvent is one device-orientation reading. Any field may be nil
// when the platform did not provide it.
type OrientationEvent struct {
	Alpha *float64
	Beta  *float64
	Gamma *float64
	// CompassHeading is a true-north referenced heading, clockwise, when the
	// platform exposes one. Negative values mean "invalid".
	CompassHeading *float64
	Absolute       bool
	Timestamp      time.Time
}

// OrientationSource delivers orientation events to a handler until the
// returned unsubscribe func is called.
type OrientationSource interface {
	Subscribe(handler func(OrientationEvent)) (unsubscribe func(), err error)
}

// PermissionState is the outcome of a permission prompt.
type PermissionState int

const (
	PermissionPrompt PermissionState = iota
	PermissionGranted
	PermissionDenied
)

func (p PermissionState) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "prompt"
	}
}

// PermissionRequester shows the platform permission prompt. On platforms
// that gate orientation behind a user gesture it must be called from a
// context triggered by explicit user action.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// Recorder receives sensor activity for metrics.
type Recorder interface {
	ObserveSample(sensor Name)
	ObserveError(sensor Name, kind Kind)
	SetSensorActive(sensor Name, active bool)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ObserveSample(Name)         {}
func (NopRecorder) ObserveError(Name, Kind)    {}
func (NopRecorder) SetSensorActive(Name, bool) {}
