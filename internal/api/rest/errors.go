package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/viperbox/vipercore/internal/types"
)

// classify maps a session error onto an HTTP status, a stable error code and
// a short message. The original error text travels in the details field.
func classify(err error) (int, string, string) {
	var parseErr *types.ParseError
	var conflictErr *types.MappingConflictError
	var unavailableErr *types.DeviceUnavailableError
	var driverErr *types.DriverError

	switch {
	case errors.As(err, &parseErr):
		return http.StatusBadRequest, "VALIDATION_400", "Validation failed"
	case errors.As(err, &conflictErr):
		return http.StatusConflict, "SETTINGS_409", "Stimulation mapping conflict"
	case errors.Is(err, types.ErrConcurrentOperation):
		return http.StatusTooManyRequests, "SESSION_429", "Another operation is in progress"
	case errors.Is(err, types.ErrNotConnected),
		errors.Is(err, types.ErrAlreadyRecording),
		errors.Is(err, types.ErrNotRecording),
		errors.Is(err, types.ErrNotStimulating),
		errors.Is(err, types.ErrNoStimulationSettings),
		errors.Is(err, types.ErrSettingsIncomplete):
		return http.StatusConflict, "SESSION_409", "Operation not allowed in the current session state"
	case errors.As(err, &unavailableErr):
		return http.StatusServiceUnavailable, "DRIVER_503", "Device unavailable"
	case errors.Is(err, types.ErrIncompatibleDriver):
		return http.StatusBadGateway, "DRIVER_502", "Incompatible driver installed"
	case errors.As(err, &driverErr):
		return http.StatusBadGateway, "DRIVER_502", "Device communication failed"
	default:
		return http.StatusInternalServerError, "INTERNAL_500", "Operation failed"
	}
}

func (s *Server) respondError(c *gin.Context, op string, err error) {
	status, code, message := classify(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("Operation failed",
			zap.String("op", op),
			zap.Error(err))
	} else {
		s.logger.Warn("Operation rejected",
			zap.String("op", op),
			zap.Int("status", status),
			zap.Error(err))
	}

	c.JSON(status, types.NewErrorResponse(code, message, err.Error()))
}
