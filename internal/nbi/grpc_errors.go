package nbi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/target-bearing/internal/bearing"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/model"
)

// ErrInvalidRequest is used for request fields that fail validation before
// reaching the controller.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps controller, sensor and input errors onto gRPC status
// codes. The message is the short user-facing text.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	msg := bearing.UserMessage(err)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, model.ErrParse),
		errors.Is(err, model.ErrInvalidCoordinate),
		errors.Is(err, model.ErrInvalidArcSpan):
		return status.Error(codes.InvalidArgument, msg)

	case errors.Is(err, bearing.ErrInvalidState),
		errors.Is(err, bearing.ErrNoTarget):
		return status.Error(codes.FailedPrecondition, msg)

	case errors.Is(err, sensor.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, msg)

	case errors.Is(err, sensor.ErrSensorUnavailable):
		return status.Error(codes.Unavailable, msg)

	case errors.Is(err, sensor.ErrSensorTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, msg)
	}
}
