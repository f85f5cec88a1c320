package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/rack"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps the device error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, devices.ErrInvalidArgument):
		return http.StatusBadRequest, types.CodeInvalidArgument
	case errors.Is(err, devices.ErrNotFound):
		return http.StatusNotFound, types.CodeNotFound
	case errors.Is(err, devices.ErrNotConnected):
		return http.StatusConflict, types.CodeNotConnected
	case errors.Is(err, devices.ErrInvalidState):
		return http.StatusConflict, types.CodeConflict
	case errors.Is(err, devices.ErrNotConfigured):
		return http.StatusServiceUnavailable, types.CodeUnavailable
	case errors.Is(err, devices.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, types.CodeTimeout
	case errors.Is(err, devices.ErrDeviceCommunication):
		return http.StatusBadGateway, types.CodeDeviceComm
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}

// respondError writes err in the error envelope. details, when nil, is
// filled from a rack.NotFoundError.
func (s *Server) respondError(c *gin.Context, err error, details any) {
	status, code := statusFor(err)

	var nf *rack.NotFoundError
	if details == nil && errors.As(err, &nf) {
		details = gin.H{
			"kind":      nf.Kind,
			"requested": nf.Value,
			"tolerance": nf.Tolerance,
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}

	c.JSON(status, types.NewErrorResponse(code, err.Error(), details))
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidArgument, message, err.Error()))
}
