package bearing

import (
	"errors"

	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/model"
)

var (
	// ErrInvalidState is returned when a lifecycle call does not fit the
	// current controller state.
	ErrInvalidState = errors.New("invalid controller state")
	// ErrNoTarget is returned by Initialize when no target was set.
	ErrNoTarget = errors.New("no target set")
)

// UserMessage turns err into the single short message shown to the user.
// It returns "" for a nil error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var serr *sensor.Error
	if errors.As(err, &serr) {
		compass := serr.Sensor == sensor.Orientation
		switch serr.Kind {
		case sensor.KindPermissionDenied:
			if compass {
				return "Failed to get compass permission"
			}
			return "Failed to get geolocation permission"
		case sensor.KindUnavailable:
			if compass {
				return "Compass is not supported on this device"
			}
			return "Geolocation is not supported on this device"
		case sensor.KindTimeout:
			return "Timed out waiting for a location fix"
		}
	}

	switch {
	case errors.Is(err, model.ErrParse), errors.Is(err, model.ErrInvalidCoordinate):
		return "Invalid coordinates"
	case errors.Is(err, model.ErrInvalidArcSpan):
		return "Invalid arc span"
	case errors.Is(err, ErrNoTarget):
		return "Set a target first"
	case errors.Is(err, ErrInvalidState):
		return "Tracking is not ready"
	}
	return "Something went wrong"
}
