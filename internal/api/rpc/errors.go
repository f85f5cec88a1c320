package rpc

import (
	"context"
	"errors"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, devices.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, devices.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, devices.ErrNotConnected), errors.Is(err, devices.ErrInvalidState):
		return codes.FailedPrecondition
	case errors.Is(err, devices.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, devices.ErrDeviceCommunication), errors.Is(err, devices.ErrNotConfigured):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}
